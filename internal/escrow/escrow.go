// Package escrow mirrors on-chain escrow contract state for one trade.
//
// The backend never moves funds: an Escrow row only reflects what the
// contract has already done. Status changes flow exclusively through
// Apply, which is driven by the reconciler; no other collaborator may
// write status or transaction hashes.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mstollen/peertrade/internal/idgen"
	"github.com/mstollen/peertrade/internal/metrics"
	"github.com/mstollen/peertrade/internal/validation"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow status transition")
	ErrInvalidAmount     = errors.New("invalid crypto amount")
	ErrDuplicateEscrow   = errors.New("order already has an escrow")
	ErrTxHashAlreadySet  = errors.New("transaction hash already set for this direction")
	ErrMissingOrderID    = errors.New("order id is required")
	ErrMissingOnChainID  = errors.New("on-chain escrow id is required")
	ErrInvalidContract   = errors.New("invalid contract address")
)

// Status represents the state of an escrow mirror.
type Status string

const (
	StatusPending  Status = "PENDING"  // Created off-chain, awaiting funds
	StatusLocked   Status = "LOCKED"   // Contract holds the funds
	StatusReleased Status = "RELEASED" // Funds released to the seller
	StatusRefunded Status = "REFUNDED" // Funds refunded to the buyer
	StatusDisputed Status = "DISPUTED" // Dispute opened on-chain
)

// Terminal reports whether the status is a permanent end state.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// CanTransition reports whether the state machine permits moving from s
// to the target. Terminal states permit nothing; everything else is
// forward-only.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusLocked || to == StatusReleased ||
			to == StatusRefunded || to == StatusDisputed
	case StatusLocked:
		return to == StatusReleased || to == StatusRefunded || to == StatusDisputed
	case StatusDisputed:
		return to == StatusReleased || to == StatusRefunded
	}
	return false
}

// Escrow is the off-chain mirror of one on-chain escrow.
type Escrow struct {
	ID               string     `json:"id"`
	EscrowID         string     `json:"escrowId"` // on-chain reference
	OrderID          string     `json:"orderId"`
	ContractAddress  string     `json:"contractAddress"`
	CryptoAmount     string     `json:"cryptoAmount"`
	CryptoCurrency   string     `json:"cryptoCurrency"`
	Status           Status     `json:"status"`
	CreateTxHash     string     `json:"createTransactionHash,omitempty"`
	ReleaseTxHash    string     `json:"releaseTransactionHash,omitempty"`
	RefundTxHash     string     `json:"refundTransactionHash,omitempty"`
	LockedAt         *time.Time `json:"lockedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	ValidationErrors []string   `json:"validationErrors,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Store persists escrow mirrors.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByEscrowID(ctx context.Context, escrowID string) (*Escrow, error)
	ListByOrderID(ctx context.Context, orderID string) ([]*Escrow, error)
	ListPending(ctx context.Context, limit int) ([]*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
}

// Transition is the narrow mutation surface the reconciler is allowed
// to apply. Anything outside this shape cannot change escrow status.
type Transition struct {
	To     Status
	TxHash string // release/refund hash, set at most once per direction
	At     time.Time
}

// CreateRequest contains the parameters for creating an escrow mirror.
type CreateRequest struct {
	OrderID         string `json:"orderId" binding:"required"`
	EscrowID        string `json:"escrowId" binding:"required"`
	ContractAddress string `json:"contractAddress" binding:"required"`
	CryptoAmount    string `json:"cryptoAmount" binding:"required"`
	CryptoCurrency  string `json:"cryptoCurrency" binding:"required"`
	CreateTxHash    string `json:"createTransactionHash"`
}

// Service implements escrow mirror business logic.
type Service struct {
	store Store
}

// NewService creates a new escrow service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create records a new escrow mirror in PENDING. Exactly one escrow may
// exist per order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.OrderID == "" {
		return nil, ErrMissingOrderID
	}
	if req.EscrowID == "" {
		return nil, ErrMissingOnChainID
	}
	if !validAmount(req.CryptoAmount) {
		return nil, ErrInvalidAmount
	}
	contract := validation.SanitizeAddress(req.ContractAddress)
	if !validation.IsValidEthAddress(contract) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContract, req.ContractAddress)
	}

	existing, err := s.store.ListByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrDuplicateEscrow
	}

	now := time.Now()
	escrow := &Escrow{
		ID:              idgen.WithPrefix("esc_"),
		EscrowID:        req.EscrowID,
		OrderID:         req.OrderID,
		ContractAddress: contract,
		CryptoAmount:    req.CryptoAmount,
		CryptoCurrency:  strings.ToUpper(req.CryptoCurrency),
		Status:          StatusPending,
		CreateTxHash:    req.CreateTxHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusPending)).Inc()
	return escrow, nil
}

// Apply performs one status transition. It is idempotent: applying a
// transition to the status the escrow already holds changes nothing and
// reports changed=false. A transition the state machine forbids returns
// ErrInvalidTransition; in particular, nothing moves an escrow out of
// a terminal status.
func (s *Service) Apply(ctx context.Context, id string, t Transition) (*Escrow, bool, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if escrow.Status == t.To {
		return escrow, false, nil
	}
	if !escrow.Status.CanTransition(t.To) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, escrow.Status, t.To)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	switch t.To {
	case StatusLocked:
		escrow.LockedAt = &at
	case StatusReleased:
		escrow.ReleasedAt = &at
		if t.TxHash != "" {
			if escrow.ReleaseTxHash != "" && escrow.ReleaseTxHash != t.TxHash {
				return nil, false, ErrTxHashAlreadySet
			}
			escrow.ReleaseTxHash = t.TxHash
		}
	case StatusRefunded:
		escrow.RefundedAt = &at
		if t.TxHash != "" {
			if escrow.RefundTxHash != "" && escrow.RefundTxHash != t.TxHash {
				return nil, false, ErrTxHashAlreadySet
			}
			escrow.RefundTxHash = t.TxHash
		}
	}

	escrow.Status = t.To
	escrow.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, false, err
	}
	metrics.EscrowsTotal.WithLabelValues(string(t.To)).Inc()
	return escrow, true, nil
}

// AppendValidationError records a consistency-validator finding on the
// escrow's audit trail. Findings accumulate; they are never removed.
func (s *Service) AppendValidationError(ctx context.Context, id, message string) error {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	escrow.ValidationErrors = append(escrow.ValidationErrors,
		fmt.Sprintf("%s: %s", time.Now().UTC().Format(time.RFC3339), message))
	escrow.UpdatedAt = time.Now()
	return s.store.Update(ctx, escrow)
}

// Get returns an escrow by internal ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByEscrowID returns an escrow by its on-chain reference.
func (s *Service) GetByEscrowID(ctx context.Context, escrowID string) (*Escrow, error) {
	return s.store.GetByEscrowID(ctx, escrowID)
}

// ListByOrderID returns all escrows attached to an order. The validator
// uses this to check the exactly-one invariant.
func (s *Service) ListByOrderID(ctx context.Context, orderID string) ([]*Escrow, error) {
	return s.store.ListByOrderID(ctx, orderID)
}

// ListPending returns escrows in a non-terminal status, for sweep selection.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.store.ListPending(ctx, limit)
}

// validAmount accepts non-negative fixed-point decimals.
func validAmount(amount string) bool {
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return false
	}
	return r.Sign() >= 0
}
