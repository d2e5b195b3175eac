package browserpool

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

// Emergency is the fourth and last recovery escalation strategy (spec
// §4.3): a minimal single-browser capability independent of the main
// pool, sufficient to attempt one booking at a time using a direct
// date+time scheduling URL rather than navigating a calendar.
//
// Grounded on the original implementation's EmergencyBrowserFallback,
// which deliberately avoids any dependency on pool infrastructure so it
// still works when the pool itself is the thing that failed.
type Emergency struct {
	browser *rod.Browser
}

// NewEmergency launches a standalone browser, independent of any Pool.
func NewEmergency(ctx context.Context) (*Emergency, error) {
	browser, err := launchBrowser(ctx)
	if err != nil {
		return nil, fmt.Errorf("browserpool: emergency: %w", err)
	}
	return &Emergency{browser: browser}, nil
}

// DirectBookingURL builds the direct calendar-bypassing URL for one
// court/date/time, the format the upstream Acuity scheduling UI accepts
// without requiring the multi-step calendar flow.
func DirectBookingURL(baseURL string, targetDate time.Time, targetTime string) string {
	dateStr := targetDate.Format("2006-01-02")
	return fmt.Sprintf("%s/datetime/%sT%s:00-06:00", baseURL, dateStr, targetTime)
}

// Page opens a fresh page navigated directly to the booking URL, bypassing
// the calendar UI entirely. The caller is responsible for closing it.
func (e *Emergency) Page(ctx context.Context, bookingURL string) (*rod.Page, error) {
	page, err := e.browser.Context(ctx).Page(newBlankTarget())
	if err != nil {
		return nil, fmt.Errorf("browserpool: emergency: open page: %w", err)
	}
	if err := page.Context(ctx).Navigate(bookingURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browserpool: emergency: navigate: %w", err)
	}
	return page, nil
}

// Close releases the standalone browser.
func (e *Emergency) Close() error {
	return e.browser.Close()
}

