package reconcile

import (
	"fmt"

	"github.com/mstollen/peertrade/internal/chain"
	"github.com/mstollen/peertrade/internal/escrow"
	"github.com/mstollen/peertrade/internal/order"
)

// Effect is the outcome of deciding one event against the current
// escrow status: at most one escrow transition, at most one order
// transition, and whether a dispute record should be opened. A zero
// Effect means the event carries nothing new.
type Effect struct {
	Escrow      *escrow.Transition
	Order       *order.Transition
	OpenDispute bool
	Note        string
}

// Decide maps (current escrow status, event) to the transitions it
// implies. Pure function: no I/O, no clock reads beyond the event's own
// timestamps.
//
// Idempotency lives here: an event whose effect has already taken hold
// decides to nothing, so retries and duplicates are harmless. Decisions
// that the state machines later reject (e.g. a refund landing on an
// already-released escrow) are deliberately NOT suppressed: they fail
// at apply time and surface as per-event errors instead of vanishing.
func Decide(current escrow.Status, name chain.EventName, ev *chain.Event) Effect {
	// Zero CreatedAt is fine: the aggregate services stamp their own
	// clock when the transition carries no time.
	at := ev.CreatedAt

	switch name {
	case chain.EventEscrowCreated:
		// The mirror already exists; creation events confirm it.
		return Effect{}

	case chain.EventFundsLocked:
		// Locking is only meaningful from PENDING. Once the escrow has
		// moved on, a stale lock event must not drag it backward.
		if current != escrow.StatusPending {
			return Effect{}
		}
		return Effect{
			Escrow: &escrow.Transition{To: escrow.StatusLocked, At: at},
			Note:   fmt.Sprintf("escrow %s locked (block %d)", ev.EscrowID, ev.BlockNumber),
		}

	case chain.EventFundsReleased:
		eff := Effect{
			Order: &order.Transition{To: order.StatusCompleted, At: at},
		}
		if current != escrow.StatusReleased {
			eff.Escrow = &escrow.Transition{To: escrow.StatusReleased, TxHash: ev.TxHash, At: at}
			eff.Note = fmt.Sprintf("escrow %s released (block %d, tx %s)", ev.EscrowID, ev.BlockNumber, ev.TxHash)
		}
		return eff

	case chain.EventFundsRefunded:
		eff := Effect{
			Order: &order.Transition{To: order.StatusRefunded, At: at},
		}
		if current != escrow.StatusRefunded {
			eff.Escrow = &escrow.Transition{To: escrow.StatusRefunded, TxHash: ev.TxHash, At: at}
			eff.Note = fmt.Sprintf("escrow %s refunded (block %d, tx %s)", ev.EscrowID, ev.BlockNumber, ev.TxHash)
		}
		return eff

	case chain.EventDisputeOpened:
		// A dispute after settlement cannot move funds that are already
		// gone; terminal escrows ignore it.
		if current.Terminal() {
			return Effect{}
		}
		eff := Effect{
			Order:       &order.Transition{To: order.StatusDisputed, At: at},
			OpenDispute: true,
		}
		if current != escrow.StatusDisputed {
			eff.Escrow = &escrow.Transition{To: escrow.StatusDisputed, At: at}
			eff.Note = fmt.Sprintf("escrow %s disputed (block %d)", ev.EscrowID, ev.BlockNumber)
		}
		return eff
	}

	return Effect{}
}
