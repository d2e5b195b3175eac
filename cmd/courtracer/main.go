// Command courtracer is the process entry point: it loads configuration,
// wires the queue/store/idempotency/browser-pool/scheduler/orchestrator
// stack together, serves health and metrics endpoints, and runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/slotrace/courtracer/browserpool"
	"github.com/slotrace/courtracer/config"
	"github.com/slotrace/courtracer/coordination"
	"github.com/slotrace/courtracer/idempotency"
	"github.com/slotrace/courtracer/notify"
	"github.com/slotrace/courtracer/observability"
	"github.com/slotrace/courtracer/orchestrator"
	"github.com/slotrace/courtracer/queue"
	"github.com/slotrace/courtracer/scheduler"
	"github.com/slotrace/courtracer/store"
	"github.com/slotrace/courtracer/timeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("courtracer: config: %v", err)
	}
	if len(cfg.Courts) == 0 {
		log.Fatalf("courtracer: COURTS must configure at least one court")
	}

	lock, err := coordination.Acquire(cfg.QueueStorePath + ".lock")
	if err != nil {
		log.Fatalf("courtracer: %v", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("courtracer: store: %v", err)
	}
	defer backing.Close()

	guard := idempotency.NewGuard(openIdempotencyBackend(cfg))

	q, err := queue.New(ctx, backing, guard)
	if err != nil {
		log.Fatalf("courtracer: queue: %v", err)
	}
	q.MaxAttempts = cfg.MaxRetryAttempts

	pool, err := browserpool.New(ctx, cfg.Courts)
	if err != nil {
		log.Fatalf("courtracer: browser pool: %v", err)
	}
	defer pool.Close()
	logPoolReadiness(pool)

	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)

	tl := timeline.NewStore()
	notifier := notify.NewMulti(notify.NewLogNotifier(), wsHub, timelineNotifier{tl})

	orch := orchestrator.New(pool, pool, q, notifier, cfg.Speed)

	sched := scheduler.New(q, pool, orch, cfg.Courts, scheduler.Config{
		BookingWindow: cfg.BookingWindow,
		TickInterval:  cfg.CheckInterval,
	})

	go runHealthLoop(ctx, pool)
	go runRefreshLoop(ctx, pool, cfg.BrowserRefreshInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := pool.CheckPool(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == browserpool.StatusFailed {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, `{"status":%q,"message":%q,"healthy_courts":%d}`, health.Status, health.Message, health.HealthyCount)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/dashboard", func(w http.ResponseWriter, r *http.Request) {
		handleDashboardWS(wsHub, w, r)
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("courtracer: metrics/health listening on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("courtracer: http server: %v", err)
		}
	}()

	go sched.Run(ctx)
	log.Printf("courtracer: scheduler running (booking window %s, tick %s, %d courts)",
		cfg.BookingWindow, cfg.CheckInterval, len(cfg.Courts))

	waitForShutdown()
	log.Println("courtracer: shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	sched.Stop()
	cancel()
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Println("courtracer: using PostgresStore for queue persistence")
		return s, nil
	}
	log.Printf("courtracer: using FileStore at %s for queue persistence", cfg.QueueStorePath)
	return store.NewFileStore(cfg.QueueStorePath), nil
}

func openIdempotencyBackend(cfg *config.Config) idempotency.Backend {
	if cfg.RedisAddr == "" {
		log.Println("courtracer: no REDIS_ADDR set, using in-process idempotency guard")
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	log.Printf("courtracer: using Redis at %s for the idempotency guard", cfg.RedisAddr)
	return idempotency.NewRedisBackend(client)
}

func logPoolReadiness(pool *browserpool.Pool) {
	switch pool.Readiness() {
	case browserpool.ReadyFull:
		log.Printf("courtracer: browser pool ready, %d courts warm", len(pool.AvailableCourts()))
	case browserpool.ReadyPartial:
		log.Printf("courtracer: browser pool partially ready, %d courts warm", len(pool.AvailableCourts()))
	default:
		log.Println("courtracer: browser pool failed to initialise any court")
	}
}

// runHealthLoop periodically checks pool health and escalates to recovery
// when courts have gone quarantined, mirroring spec §4.3's health/recovery
// pipeline being driven independently of the dispatch-critical scheduler
// tick.
func runHealthLoop(ctx context.Context, pool *browserpool.Pool) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := pool.CheckPool(ctx)
			observability.PoolHealth.Set(observability.HealthStatusValue(string(health.Status)))
			var failed []int
			for court, ch := range health.Courts {
				observability.CourtHealth.WithLabelValues(fmt.Sprint(court)).Set(observability.HealthStatusValue(string(ch.Status)))
				if ch.Status == browserpool.StatusFailed || ch.Status == browserpool.StatusCritical {
					pool.Quarantine(court)
					failed = append(failed, court)
				}
			}
			if len(failed) == 0 {
				continue
			}
			if pool.CriticalOperationInProgress() {
				log.Printf("courtracer: deferring recovery for courts %v, dispatch in progress", failed)
				continue
			}
			for _, rec := range pool.Recover(ctx, failed) {
				outcome := "failure"
				if rec.Success {
					outcome = "success"
					// The emergency strategy activates a standalone fallback
					// capability rather than restoring the pool's own warm
					// pages, so its courts must stay quarantined.
					if rec.Strategy != browserpool.StrategyEmergency {
						for _, c := range rec.AffectedCourts {
							pool.Unquarantine(c)
						}
					}
				}
				observability.RecoveryAttempts.WithLabelValues(string(rec.Strategy), outcome).Inc()
				log.Printf("courtracer: recovery strategy=%s courts=%v success=%v duration=%s", rec.Strategy, rec.AffectedCourts, rec.Success, rec.Duration)
			}
		}
	}
}

// runRefreshLoop performs the periodic session-drift refresh spec §4.2
// requires, yielding to any in-progress dispatch.
func runRefreshLoop(ctx context.Context, pool *browserpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pool.CriticalOperationInProgress() {
				continue
			}
			for _, court := range pool.AvailableCourts() {
				if _, err := pool.Refresh(ctx, court); err != nil {
					log.Printf("courtracer: periodic refresh court %d: %v", court, err)
				}
			}
		}
	}
}

// timelineNotifier adapts notify.Notifier onto a timeline.Store, recording
// one structured event per lifecycle transition alongside whatever
// member-facing delivery the other sinks perform.
type timelineNotifier struct {
	store *timeline.Store
}

func (t timelineNotifier) Notify(ctx context.Context, userID string, event notify.Event) error {
	stage, ok := timelineStage(event.Type)
	if !ok {
		return nil
	}
	t.store.Record(timeline.Event{
		RequestID: event.RequestID,
		Stage:     stage,
		Timestamp: event.Timestamp,
		Court:     event.Court,
		Metadata:  map[string]string{"user_id": userID, "message": event.Message},
	})
	return nil
}

func timelineStage(t notify.EventType) (timeline.Stage, bool) {
	switch t {
	case notify.EventDispatched:
		return timeline.StageDispatched, true
	case notify.EventConfirmed:
		return timeline.StageConfirmed, true
	case notify.EventFailed:
		return timeline.StageFailed, true
	case notify.EventExpired:
		return timeline.StageExpired, true
	default:
		return "", false
	}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // every origin is accepted; no origin check is made here
}

// handleDashboardWS upgrades an HTTP request to a WebSocket connection and
// registers it with hub, grounded in the teacher's
// control_plane/api_stream.go handleDashboardStream (ping/pong liveness,
// read pump to detect disconnects). userID comes from a query parameter
// here since this service has no tenant-auth middleware of its own; an
// empty value watches every user's events.
func handleDashboardWS(hub *notify.WSHub, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("courtracer: websocket upgrade: %v", err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	hub.Register(conn, userID)
	defer hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
