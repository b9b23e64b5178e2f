// Package chain holds the durable record of on-chain escrow contract
// events and the listener's sync cursor.
//
// Event rows are append-only: the listener writes them, the reconciler
// flips their processed flag, and nothing ever deletes them. They double
// as the audit/replay log for the off-chain aggregates.
package chain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound  = errors.New("blockchain event not found")
	ErrCursorBackward = errors.New("cursor may only advance")
)

// EventName identifies one of the escrow contract's event types.
// The set is closed: anything else the listener picks up is recorded
// verbatim but carries no recognized transition.
type EventName string

const (
	EventEscrowCreated EventName = "EscrowCreated"
	EventFundsLocked   EventName = "FundsLocked"
	EventFundsReleased EventName = "FundsReleased"
	EventFundsRefunded EventName = "FundsRefunded"
	EventDisputeOpened EventName = "DisputeOpened"
)

// ParseEventName maps a raw event name onto the closed set.
// ok is false for names outside the set.
func ParseEventName(s string) (EventName, bool) {
	switch EventName(s) {
	case EventEscrowCreated, EventFundsLocked, EventFundsReleased,
		EventFundsRefunded, EventDisputeOpened:
		return EventName(s), true
	}
	return "", false
}

// Event is one observed contract event. EscrowID may be empty when the
// log carried no resolvable escrow reference; such events are unroutable
// and stay unprocessed until an operator intervenes.
type Event struct {
	ID           int64      `json:"id"`
	EscrowID     string     `json:"escrowId,omitempty"`
	Name         string     `json:"eventName"`
	BlockNumber  uint64     `json:"blockNumber"`
	LogIndex     uint       `json:"logIndex"`
	TxHash       string     `json:"transactionHash"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// EventStore persists contract events.
//
// Both unprocessed queries order by (block_number, id): block number is
// the causal ordering key, insertion order breaks ties within a block.
// Processed rows never reappear in either query, which is what makes
// reprocessing a no-op at the reconciler's entry point.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	UnprocessedByEscrow(ctx context.Context, escrowID string) ([]*Event, error)
	UnprocessedAll(ctx context.Context) ([]*Event, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, message string) error
}

// CursorStore persists the last block the listener has synced through.
// The reconciler reads it for observability; only the listener advances it.
type CursorStore interface {
	Get(ctx context.Context) (uint64, error)
	Advance(ctx context.Context, block uint64) error
}
