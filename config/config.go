// Package config loads the environment-driven settings cmd/courtracer
// wires the rest of the service from, following the teacher's
// os.Getenv + fmt.Sscanf idiom rather than a third-party config/flags
// library (the corpus never reaches for one).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/slotrace/courtracer/executor"
	"github.com/slotrace/courtracer/reservation"
)

// Config holds every tunable the scheduler, browser pool, queue, and
// executor need at process start.
type Config struct {
	Courts []reservation.Court

	BookingWindow          time.Duration
	CheckInterval          time.Duration
	MaxRetryAttempts       int
	BrowserRefreshInterval time.Duration

	Timezone string
	Location *time.Location

	Speed           executor.SpeedMultiplier
	ExperiencedMode bool

	QueueStorePath string
	PostgresDSN    string
	RedisAddr      string
	MetricsAddr    string
}

// defaults mirror spec.md §9's documented defaults.
const (
	defaultBookingWindow          = 48 * time.Hour
	defaultCheckInterval          = 5 * time.Second
	defaultMaxRetryAttempts       = 40
	defaultBrowserRefreshInterval = 5 * time.Minute
	defaultTimezone               = "America/Mexico_City"
	defaultQueueStorePath         = "courtracer_queue.json"
	defaultMetricsAddr            = ":9090"
)

// Load reads configuration from the process environment, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		BookingWindow:          defaultBookingWindow,
		CheckInterval:          defaultCheckInterval,
		MaxRetryAttempts:       defaultMaxRetryAttempts,
		BrowserRefreshInterval: defaultBrowserRefreshInterval,
		Timezone:               defaultTimezone,
		Speed:                  executor.SpeedNormal,
		QueueStorePath:         defaultQueueStorePath,
		MetricsAddr:            defaultMetricsAddr,
	}

	if v := os.Getenv("BOOKING_WINDOW_HOURS"); v != "" {
		var hours int
		fmt.Sscanf(v, "%d", &hours)
		if hours > 0 {
			cfg.BookingWindow = time.Duration(hours) * time.Hour
		}
	}

	if v := os.Getenv("CHECK_INTERVAL_SECONDS"); v != "" {
		var seconds int
		fmt.Sscanf(v, "%d", &seconds)
		if seconds > 0 {
			cfg.CheckInterval = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("MAX_RETRY_ATTEMPTS"); v != "" {
		var attempts int
		fmt.Sscanf(v, "%d", &attempts)
		if attempts > 0 {
			cfg.MaxRetryAttempts = attempts
		}
	}

	if v := os.Getenv("BROWSER_REFRESH_INTERVAL_SECONDS"); v != "" {
		var seconds int
		fmt.Sscanf(v, "%d", &seconds)
		if seconds > 0 {
			cfg.BrowserRefreshInterval = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		var speed float64
		fmt.Sscanf(v, "%f", &speed)
		if speed > 0 {
			cfg.Speed = executor.SpeedMultiplier(speed)
		}
	}
	if os.Getenv("EXPERIENCED_MODE") == "true" {
		cfg.ExperiencedMode = true
		cfg.Speed = executor.SpeedExperienced
	}

	if v := os.Getenv("QUEUE_STORE_PATH"); v != "" {
		cfg.QueueStorePath = v
	}
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	courts, err := parseCourts(os.Getenv("COURTS"))
	if err != nil {
		return nil, fmt.Errorf("config: COURTS: %w", err)
	}
	cfg.Courts = courts

	return cfg, nil
}

// courtEntry is the JSON shape COURTS is expected to contain: a list of
// {"number": N, "url": "..."} objects.
type courtEntry struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

func parseCourts(raw string) ([]reservation.Court, error) {
	if raw == "" {
		return nil, nil
	}
	var entries []courtEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	courts := make([]reservation.Court, 0, len(entries))
	for _, e := range entries {
		if e.Number <= 0 || e.URL == "" {
			return nil, fmt.Errorf("court entry %+v missing number or url", e)
		}
		courts = append(courts, reservation.Court{Number: e.Number, URL: e.URL})
	}
	return courts, nil
}
