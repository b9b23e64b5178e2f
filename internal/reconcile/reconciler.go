// Package reconcile keeps the off-chain Escrow/Order/Dispute aggregates
// causally consistent with the on-chain event stream.
//
// Events are applied idempotently, per escrow in ascending block order.
// Failures are isolated to the smallest unit (one event, one escrow):
// a failing event records its error and waits for the next sweep; a
// failing escrow never blocks its siblings. The processed flag on the
// event row, not timing, is the correctness mechanism.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mstollen/peertrade/internal/chain"
	"github.com/mstollen/peertrade/internal/dispute"
	"github.com/mstollen/peertrade/internal/escrow"
	"github.com/mstollen/peertrade/internal/order"
	"github.com/mstollen/peertrade/internal/syncutil"
)

// DefaultPoolSize bounds concurrent escrow reconciliation in a sweep.
const DefaultPoolSize = 8

// EscrowService is the narrow escrow surface the reconciler drives.
// Apply is the single status mutator in the system.
type EscrowService interface {
	GetByEscrowID(ctx context.Context, escrowID string) (*escrow.Escrow, error)
	Apply(ctx context.Context, id string, t escrow.Transition) (*escrow.Escrow, bool, error)
	AppendValidationError(ctx context.Context, id, message string) error
	ListPending(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// OrderService applies order transitions derived from escrow transitions.
type OrderService interface {
	Apply(ctx context.Context, id string, t order.Transition) (*order.Order, bool, error)
}

// DisputeOpener records a dispute mirror when a DisputeOpened event lands.
type DisputeOpener interface {
	OpenFromEvent(ctx context.Context, orderID, escrowID, reason string) (*dispute.Dispute, error)
}

// Result is the outcome of reconciling one escrow. Reconciled=false
// means the caller should retry the whole escrow later; an empty
// Changes list with Reconciled=true is a normal no-news outcome.
type Result struct {
	Reconciled bool     `json:"reconciled"`
	Changes    []string `json:"changes"`
}

// Summary tallies one sweep over many escrows.
type Summary struct {
	Total      int `json:"total"`
	Reconciled int `json:"reconciled"`
	Errors     int `json:"errors"`
}

// EventSummary tallies one sweep over globally unprocessed events.
type EventSummary struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Reconciler orchestrates event application and consistency auditing.
type Reconciler struct {
	escrows   EscrowService
	orders    OrderService
	events    chain.EventStore
	validator *Validator
	disputes  DisputeOpener
	locks     *syncutil.KeyedMutex
	logger    *slog.Logger
	poolSize  int
}

// New creates a reconciler.
func New(escrows EscrowService, orders OrderService, events chain.EventStore,
	validator *Validator, logger *slog.Logger) *Reconciler {

	return &Reconciler{
		escrows:   escrows,
		orders:    orders,
		events:    events,
		validator: validator,
		locks:     syncutil.NewKeyedMutex(),
		logger:    logger,
		poolSize:  DefaultPoolSize,
	}
}

// WithDisputes adds a dispute recorder for DisputeOpened events.
func (r *Reconciler) WithDisputes(d DisputeOpener) *Reconciler {
	r.disputes = d
	return r
}

// WithPoolSize bounds the sweep worker pool.
func (r *Reconciler) WithPoolSize(n int) *Reconciler {
	if n > 0 {
		r.poolSize = n
	}
	return r
}

// ReconcileEscrow applies all unprocessed events for one escrow in
// ascending block order, then audits the escrow/order pair. The whole
// call runs under the escrow's lock so concurrent sweeps cannot
// interleave their read-modify-write.
func (r *Reconciler) ReconcileEscrow(ctx context.Context, escrowID string) Result {
	unlock, err := r.locks.Lock(ctx, escrowID)
	if err != nil {
		return Result{Changes: []string{fmt.Sprintf("lock escrow %s: %v", escrowID, err)}}
	}
	defer unlock()

	return r.reconcileLocked(ctx, escrowID)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, escrowID string) Result {
	esc, err := r.escrows.GetByEscrowID(ctx, escrowID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return Result{Changes: []string{fmt.Sprintf("escrow %s not found", escrowID)}}
	}
	if err != nil {
		sweepErrors.Inc()
		return Result{Changes: []string{fmt.Sprintf("load escrow %s: %v", escrowID, err)}}
	}

	events, err := r.events.UnprocessedByEscrow(ctx, escrowID)
	if err != nil {
		sweepErrors.Inc()
		return Result{Changes: []string{fmt.Sprintf("fetch events for escrow %s: %v", escrowID, err)}}
	}

	var changes []string
	for _, ev := range events {
		// A failed event is left unprocessed for the next sweep; later
		// events for the same escrow are still attempted in this pass.
		esc = r.applyAndMark(ctx, esc, ev, &changes)
	}

	r.audit(ctx, esc)

	return Result{Reconciled: true, Changes: changes}
}

// applyAndMark runs one event through the applier, persists the
// outcome, and flips the event's processed flag. It always returns the
// freshest escrow it has.
func (r *Reconciler) applyAndMark(ctx context.Context, esc *escrow.Escrow, ev *chain.Event, changes *[]string) *escrow.Escrow {
	updated, note, err := r.apply(ctx, esc, ev)
	if err != nil {
		eventsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("event apply failed",
			"eventId", ev.ID, "event", ev.Name, "escrowId", ev.EscrowID, "error", err)
		if mErr := r.events.MarkFailed(ctx, ev.ID, err.Error()); mErr != nil {
			r.logger.Error("failed to record event error", "eventId", ev.ID, "error", mErr)
		}
		return updated
	}

	if mErr := r.events.MarkProcessed(ctx, ev.ID, time.Now()); mErr != nil {
		// The event will be retried; its transitions are status-guarded,
		// so the retry is a no-op where the effect already took hold.
		eventsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("failed to mark event processed", "eventId", ev.ID, "error", mErr)
		return updated
	}

	if note != "" {
		*changes = append(*changes, note)
		eventsTotal.WithLabelValues("applied").Inc()
	} else {
		eventsTotal.WithLabelValues("noop").Inc()
	}
	return updated
}

// apply decides and persists one event's transitions. On error the
// escrow side may already have been applied; that is safe because the
// decision is status-guarded and the event stays unprocessed.
func (r *Reconciler) apply(ctx context.Context, esc *escrow.Escrow, ev *chain.Event) (*escrow.Escrow, string, error) {
	name, ok := chain.ParseEventName(ev.Name)
	if !ok {
		// Outside the closed set: no recognized transition. Handled,
		// not failed, and distinct from a processing error.
		r.logger.Info("event outside recognized set, recording as handled",
			"eventId", ev.ID, "event", ev.Name, "escrowId", ev.EscrowID)
		return esc, "", nil
	}

	eff := Decide(esc.Status, name, ev)
	if eff.Escrow == nil && eff.Order == nil {
		return esc, "", nil
	}

	updated := esc
	note := ""
	if eff.Escrow != nil {
		u, changed, err := r.escrows.Apply(ctx, esc.ID, *eff.Escrow)
		if err != nil {
			return esc, "", fmt.Errorf("apply escrow transition: %w", err)
		}
		updated = u
		if changed {
			note = eff.Note
			transitionsTotal.WithLabelValues(string(eff.Escrow.To)).Inc()
		}
	}

	if eff.Order != nil {
		if _, _, err := r.orders.Apply(ctx, esc.OrderID, *eff.Order); err != nil {
			return updated, "", fmt.Errorf("apply order transition: %w", err)
		}
	}

	if eff.OpenDispute && r.disputes != nil {
		reason := fmt.Sprintf("on-chain dispute (tx %s, block %d)", ev.TxHash, ev.BlockNumber)
		if _, err := r.disputes.OpenFromEvent(ctx, esc.OrderID, esc.EscrowID, reason); err != nil {
			return updated, "", fmt.Errorf("record dispute: %w", err)
		}
	}

	return updated, note, nil
}

// audit runs the consistency validator and appends any findings to the
// escrow's validation trail. Findings are observational; nothing is
// repaired here.
func (r *Reconciler) audit(ctx context.Context, esc *escrow.Escrow) {
	v, err := r.validator.ValidateConsistency(ctx, esc.OrderID)
	if err != nil {
		r.logger.Warn("consistency check failed", "orderId", esc.OrderID, "error", err)
		return
	}
	if v.IsValid {
		return
	}
	consistencyViolations.Add(float64(len(v.Errors)))
	for _, msg := range v.Errors {
		r.logger.Warn("consistency violation", "orderId", esc.OrderID, "violation", msg)
		if aErr := r.escrows.AppendValidationError(ctx, esc.ID, msg); aErr != nil {
			r.logger.Error("failed to record validation error", "escrowId", esc.ID, "error", aErr)
		}
	}
}

// ReconcileAll sweeps every escrow in a non-terminal status. Escrows
// are independent: one escrow's failure never blocks another's pass.
// No ordering is guaranteed across escrows.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Summary, error) {
	started := time.Now()
	defer func() { sweepDuration.Observe(time.Since(started).Seconds()) }()
	sweepsTotal.Inc()

	pending, err := r.escrows.ListPending(ctx, 0)
	if err != nil {
		sweepErrors.Inc()
		return Summary{}, fmt.Errorf("list pending escrows: %w", err)
	}

	sum := Summary{Total: len(pending)}
	if len(pending) == 0 {
		return sum, nil
	}

	jobs := make(chan *escrow.Escrow)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := r.poolSize
	if workers > len(pending) {
		workers = len(pending)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for esc := range jobs {
				res := r.ReconcileEscrow(ctx, esc.EscrowID)
				mu.Lock()
				if res.Reconciled {
					sum.Reconciled++
				} else {
					sum.Errors++
				}
				mu.Unlock()
			}
		}()
	}

	for _, esc := range pending {
		jobs <- esc
	}
	close(jobs)
	wg.Wait()

	return sum, nil
}

// ReconcileUnprocessedEvents sweeps every unprocessed event globally in
// block order, routing each to its escrow. Unroutable events count as
// errors and stay unprocessed, never silently dropped.
func (r *Reconciler) ReconcileUnprocessedEvents(ctx context.Context) (EventSummary, error) {
	started := time.Now()
	defer func() { sweepDuration.Observe(time.Since(started).Seconds()) }()
	sweepsTotal.Inc()

	events, err := r.events.UnprocessedAll(ctx)
	if err != nil {
		sweepErrors.Inc()
		return EventSummary{}, fmt.Errorf("list unprocessed events: %w", err)
	}

	sum := EventSummary{Total: len(events)}
	for _, ev := range events {
		if ev.EscrowID == "" {
			sum.Errors++
			eventsTotal.WithLabelValues("unroutable").Inc()
			r.logger.Warn("unroutable event: no escrow reference",
				"eventId", ev.ID, "event", ev.Name, "tx", ev.TxHash)
			if mErr := r.events.MarkFailed(ctx, ev.ID, "event carries no escrow reference"); mErr != nil {
				r.logger.Error("failed to record event error", "eventId", ev.ID, "error", mErr)
			}
			continue
		}

		if r.processOne(ctx, ev) {
			sum.Processed++
		} else {
			sum.Errors++
		}
	}

	return sum, nil
}

// processOne applies a single event under its escrow's lock.
func (r *Reconciler) processOne(ctx context.Context, ev *chain.Event) bool {
	unlock, err := r.locks.Lock(ctx, ev.EscrowID)
	if err != nil {
		return false
	}
	defer unlock()

	esc, err := r.escrows.GetByEscrowID(ctx, ev.EscrowID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		eventsTotal.WithLabelValues("unroutable").Inc()
		r.logger.Warn("unroutable event: unknown escrow",
			"eventId", ev.ID, "event", ev.Name, "escrowId", ev.EscrowID)
		if mErr := r.events.MarkFailed(ctx, ev.ID, fmt.Sprintf("escrow %s not found", ev.EscrowID)); mErr != nil {
			r.logger.Error("failed to record event error", "eventId", ev.ID, "error", mErr)
		}
		return false
	}
	if err != nil {
		r.logger.Warn("load escrow failed", "escrowId", ev.EscrowID, "error", err)
		return false
	}

	_, note, err := r.apply(ctx, esc, ev)
	if err != nil {
		eventsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("event apply failed",
			"eventId", ev.ID, "event", ev.Name, "escrowId", ev.EscrowID, "error", err)
		_ = r.events.MarkFailed(ctx, ev.ID, err.Error())
		return false
	}
	if err := r.events.MarkProcessed(ctx, ev.ID, time.Now()); err != nil {
		eventsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("failed to mark event processed", "eventId", ev.ID, "error", err)
		return false
	}

	if note != "" {
		eventsTotal.WithLabelValues("applied").Inc()
	} else {
		eventsTotal.WithLabelValues("noop").Inc()
	}
	return true
}
