// Package order holds the off-chain trade record.
//
// Once funds are locked on-chain an order's status is a pure function of
// its escrow's status, and only the reconciler may move it. User
// actions stop at order placement.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mstollen/peertrade/internal/idgen"
	"github.com/mstollen/peertrade/internal/metrics"
	"github.com/mstollen/peertrade/internal/validation"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidAddress    = errors.New("invalid ethereum address")
)

// Status represents the state of a trade.
type Status string

const (
	StatusAwaitingFunds Status = "AWAITING_FUNDS"
	StatusOnchainLocked Status = "ONCHAIN_LOCKED"
	StatusCompleted     Status = "COMPLETED"
	StatusRefunded      Status = "REFUNDED"
	StatusDisputed      Status = "DISPUTED"
	StatusCancelled     Status = "CANCELLED"
)

// Terminal reports whether the status is a permanent end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusCancelled
}

// CanTransition reports whether the state machine permits moving from s
// to the target.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusAwaitingFunds, StatusOnchainLocked:
		return to == StatusCompleted || to == StatusRefunded ||
			to == StatusDisputed || to == StatusCancelled ||
			(s == StatusAwaitingFunds && to == StatusOnchainLocked)
	case StatusDisputed:
		return to == StatusCompleted || to == StatusRefunded
	}
	return false
}

// Order is one peer-to-peer trade.
type Order struct {
	ID             string     `json:"id"`
	BuyerAddr      string     `json:"buyerAddr"`
	SellerAddr     string     `json:"sellerAddr"`
	CryptoAmount   string     `json:"cryptoAmount"`
	CryptoCurrency string     `json:"cryptoCurrency"`
	FiatAmount     string     `json:"fiatAmount,omitempty"`
	FiatCurrency   string     `json:"fiatCurrency,omitempty"`
	Status         Status     `json:"status"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, order *Order) error
}

// Transition is the narrow mutation surface the reconciler applies as a
// side effect of an escrow transition.
type Transition struct {
	To Status
	At time.Time
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	BuyerAddr      string `json:"buyerAddr" binding:"required"`
	SellerAddr     string `json:"sellerAddr" binding:"required"`
	CryptoAmount   string `json:"cryptoAmount" binding:"required"`
	CryptoCurrency string `json:"cryptoCurrency" binding:"required"`
	FiatAmount     string `json:"fiatAmount"`
	FiatCurrency   string `json:"fiatCurrency"`
}

// Service implements order business logic.
type Service struct {
	store Store
}

// NewService creates a new order service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create places a new order in AWAITING_FUNDS. Orders exist before any
// escrow is attached.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	buyer := validation.SanitizeAddress(req.BuyerAddr)
	seller := validation.SanitizeAddress(req.SellerAddr)
	if !validation.IsValidEthAddress(buyer) {
		return nil, fmt.Errorf("%w: buyer %q", ErrInvalidAddress, req.BuyerAddr)
	}
	if !validation.IsValidEthAddress(seller) {
		return nil, fmt.Errorf("%w: seller %q", ErrInvalidAddress, req.SellerAddr)
	}
	if buyer == seller {
		return nil, errors.New("buyer and seller cannot be the same address")
	}

	now := time.Now()
	order := &Order{
		ID:             idgen.WithPrefix("ord_"),
		BuyerAddr:      buyer,
		SellerAddr:     seller,
		CryptoAmount:   req.CryptoAmount,
		CryptoCurrency: strings.ToUpper(req.CryptoCurrency),
		FiatAmount:     req.FiatAmount,
		FiatCurrency:   strings.ToUpper(req.FiatCurrency),
		Status:         StatusAwaitingFunds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(StatusAwaitingFunds)).Inc()
	return order, nil
}

// Apply performs one status transition. Idempotent on repeat: applying
// the status the order already holds reports changed=false.
func (s *Service) Apply(ctx context.Context, id string, t Transition) (*Order, bool, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if order.Status == t.To {
		return order, false, nil
	}
	if !order.Status.CanTransition(t.To) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, t.To)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	switch t.To {
	case StatusCompleted:
		order.CompletedAt = &at
	case StatusRefunded, StatusCancelled:
		order.CancelledAt = &at
	}

	order.Status = t.To
	order.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, order); err != nil {
		return nil, false, err
	}
	metrics.OrdersTotal.WithLabelValues(string(t.To)).Inc()
	return order, true, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}
