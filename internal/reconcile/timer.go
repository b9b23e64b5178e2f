package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs the reconciliation sweeps. Sweeps are
// idempotent, so an overlapping manual trigger is harmless; the
// per-escrow locks serialize any contention.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new sweep timer.
func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	sum, err := t.reconciler.ReconcileAll(ctx)
	if err != nil {
		t.logger.Warn("escrow sweep failed", "error", err)
	} else if sum.Total > 0 {
		t.logger.Info("escrow sweep finished",
			"total", sum.Total, "reconciled", sum.Reconciled, "errors", sum.Errors)
	}

	// Second pass picks up events the escrow sweep cannot see:
	// unroutable rows and events for escrows already terminal.
	evSum, err := t.reconciler.ReconcileUnprocessedEvents(ctx)
	if err != nil {
		t.logger.Warn("event sweep failed", "error", err)
	} else if evSum.Total > 0 {
		t.logger.Info("event sweep finished",
			"total", evSum.Total, "processed", evSum.Processed, "errors", evSum.Errors)
	}
}
