package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstollen/peertrade/internal/escrow"
	"github.com/mstollen/peertrade/internal/order"
)

// EscrowLister lists the escrows attached to an order.
type EscrowLister interface {
	ListByOrderID(ctx context.Context, orderID string) ([]*escrow.Escrow, error)
}

// OrderGetter loads one order.
type OrderGetter interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Validation is the outcome of one consistency audit.
type Validation struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// Validator audits cross-aggregate status invariants. It is strictly
// read-only: violations are reported, never repaired.
type Validator struct {
	escrows EscrowLister
	orders  OrderGetter
}

// NewValidator creates a consistency validator.
func NewValidator(escrows EscrowLister, orders OrderGetter) *Validator {
	return &Validator{escrows: escrows, orders: orders}
}

// ValidateConsistency checks that an order's status is the one its
// escrow's status implies, that exactly one escrow is attached, and
// that terminal and non-terminal states never co-occur across the pair.
// A non-nil error means the audit itself could not run (infrastructure);
// findings are always carried in the Validation value.
func (v *Validator) ValidateConsistency(ctx context.Context, orderID string) (Validation, error) {
	ord, err := v.orders.Get(ctx, orderID)
	if errors.Is(err, order.ErrOrderNotFound) {
		return Validation{Errors: []string{fmt.Sprintf("order %s not found", orderID)}}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	escrows, err := v.escrows.ListByOrderID(ctx, orderID)
	if err != nil {
		return Validation{}, fmt.Errorf("list escrows for order %s: %w", orderID, err)
	}

	var errs []string

	if len(escrows) == 0 {
		// Orders exist before funds are locked; only statuses that imply
		// an escrow are suspicious without one.
		switch ord.Status {
		case order.StatusOnchainLocked, order.StatusCompleted,
			order.StatusRefunded, order.StatusDisputed:
			errs = append(errs, fmt.Sprintf("order %s has status %s but no escrow", orderID, ord.Status))
		}
		return Validation{IsValid: len(errs) == 0, Errors: errs}, nil
	}

	if len(escrows) > 1 {
		errs = append(errs, fmt.Sprintf("order %s has %d escrows, expected exactly one", orderID, len(escrows)))
	}

	esc := escrows[0]

	if expected, ok := expectedOrderStatus(esc.Status); ok && ord.Status != expected {
		errs = append(errs, fmt.Sprintf(
			"escrow %s is %s but order %s is %s (expected %s)",
			esc.EscrowID, esc.Status, orderID, ord.Status, expected))
	}

	if !esc.Status.Terminal() && ord.Status.Terminal() {
		errs = append(errs, fmt.Sprintf(
			"order %s is terminal (%s) but escrow %s is still %s",
			orderID, ord.Status, esc.EscrowID, esc.Status))
	}

	return Validation{IsValid: len(errs) == 0, Errors: errs}, nil
}

// expectedOrderStatus is the status function from the data model:
// escrow RELEASED implies order COMPLETED, REFUNDED implies REFUNDED,
// DISPUTED implies DISPUTED. PENDING and LOCKED imply no single order
// status (the order may still be AWAITING_FUNDS or ONCHAIN_LOCKED).
func expectedOrderStatus(s escrow.Status) (order.Status, bool) {
	switch s {
	case escrow.StatusReleased:
		return order.StatusCompleted, true
	case escrow.StatusRefunded:
		return order.StatusRefunded, true
	case escrow.StatusDisputed:
		return order.StatusDisputed, true
	}
	return "", false
}
