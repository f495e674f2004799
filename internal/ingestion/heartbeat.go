package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrStalled is returned by Watch when the heartbeat goes stale.
var ErrStalled = errors.New("ingestion heartbeat stale")

// Heartbeat records the last completed ingestion tick.
type Heartbeat struct {
	last atomic.Int64 // unix nanos
}

// NewHeartbeat creates a heartbeat that counts as fresh at start.
func NewHeartbeat(start time.Time) *Heartbeat {
	h := &Heartbeat{}
	h.Beat(start)
	return h
}

// Beat records a tick.
func (h *Heartbeat) Beat(t time.Time) {
	h.last.Store(t.UnixNano())
}

// Last returns the time of the last tick.
func (h *Heartbeat) Last() time.Time {
	return time.Unix(0, h.last.Load()).UTC()
}

// Stale reports whether no tick happened within maxAge of now.
func (h *Heartbeat) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(h.Last()) > maxAge
}

// Watch blocks until ctx is done or the heartbeat is older than maxAge,
// checking every interval. The caller exits the process on ErrStalled.
func Watch(ctx context.Context, h *Heartbeat, maxAge, interval time.Duration, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = max(maxAge/6, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t := now(); h.Stale(t, maxAge) {
				return fmt.Errorf("%w: last beat %s ago", ErrStalled, t.Sub(h.Last()).Round(time.Second))
			}
		}
	}
}
