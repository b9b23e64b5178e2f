// Package dispute mirrors on-chain dispute lifecycle for escrows.
//
// The backend never decides a dispute's financial outcome. A dispute
// record is opened when the reconciler observes a DisputeOpened event;
// a resolution is relayed by appending the corresponding on-chain
// settlement event to the event store, so the escrow and order still
// change hands only through the reconciler's single-writer path.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mstollen/peertrade/internal/chain"
	"github.com/mstollen/peertrade/internal/idgen"
	"github.com/mstollen/peertrade/internal/metrics"
	"github.com/mstollen/peertrade/internal/validation"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrUnknownOutcome  = errors.New("unknown dispute outcome")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusResolvedRelease Status = "RESOLVED_RELEASE"
	StatusResolvedRefund  Status = "RESOLVED_REFUND"
)

// Outcome names the on-chain resolution being relayed.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute is one dispute record.
type Dispute struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	EscrowID   string     `json:"escrowId"`
	Reason     string     `json:"reason,omitempty"`
	Status     Status     `json:"status"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, dispute *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrowID(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, dispute *Dispute) error
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// Service implements dispute mirror logic.
type Service struct {
	store  Store
	events chain.EventStore
}

// NewService creates a new dispute service.
func NewService(store Store, events chain.EventStore) *Service {
	return &Service{store: store, events: events}
}

// OpenFromEvent records a dispute when the reconciler applies a
// DisputeOpened event. Idempotent: an existing open dispute for the
// escrow is returned unchanged, so event retries are safe.
func (s *Service) OpenFromEvent(ctx context.Context, orderID, escrowID, reason string) (*Dispute, error) {
	existing, err := s.store.GetOpenByEscrowID(ctx, escrowID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   orderID,
		EscrowID:  escrowID,
		Reason:    validation.SanitizeString(reason, 500),
		Status:    StatusOpen,
		OpenedAt:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}
	metrics.DisputesOpenedTotal.Inc()
	return d, nil
}

// RelayResolution records what the on-chain arbitration already did: it
// appends the settlement event (FundsReleased or FundsRefunded) to the
// event store for the reconciler to apply, then marks the dispute
// resolved. It never touches escrow or order state directly.
func (s *Service) RelayResolution(ctx context.Context, id string, outcome Outcome, txHash string, blockNumber uint64) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	var name chain.EventName
	var resolved Status
	switch outcome {
	case OutcomeRelease:
		name = chain.EventFundsReleased
		resolved = StatusResolvedRelease
	case OutcomeRefund:
		name = chain.EventFundsRefunded
		resolved = StatusResolvedRefund
	default:
		return nil, ErrUnknownOutcome
	}

	if err := s.events.Append(ctx, &chain.Event{
		EscrowID:    d.EscrowID,
		Name:        string(name),
		BlockNumber: blockNumber,
		TxHash:      txHash,
	}); err != nil {
		return nil, fmt.Errorf("failed to relay resolution event: %w", err)
	}

	now := time.Now()
	d.Status = resolved
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// The settlement event is already appended; the reconciler will
		// still converge the aggregates. Surface the stale record.
		return nil, fmt.Errorf("resolution relayed but dispute update failed: %w", err)
	}
	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes for operator tooling.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}
