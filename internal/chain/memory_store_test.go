package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIDs(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	a := &Event{EscrowID: "0xe1", Name: string(EventFundsLocked), BlockNumber: 10}
	b := &Event{EscrowID: "0xe1", Name: string(EventFundsReleased), BlockNumber: 12}
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Append(ctx, b))

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestUnprocessedByEscrow_OrdersByBlockThenID(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	// Appended out of block order, plus two events sharing a block.
	require.NoError(t, store.Append(ctx, &Event{EscrowID: "0xe1", Name: "FundsReleased", BlockNumber: 20}))
	require.NoError(t, store.Append(ctx, &Event{EscrowID: "0xe1", Name: "FundsLocked", BlockNumber: 10}))
	require.NoError(t, store.Append(ctx, &Event{EscrowID: "0xe1", Name: "DisputeOpened", BlockNumber: 20}))
	require.NoError(t, store.Append(ctx, &Event{EscrowID: "0xe2", Name: "FundsLocked", BlockNumber: 5}))

	events, err := store.UnprocessedByEscrow(ctx, "0xe1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "FundsLocked", events[0].Name)
	assert.Equal(t, "FundsReleased", events[1].Name)
	assert.Equal(t, "DisputeOpened", events[2].Name)
}

func TestMarkProcessed(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	e := &Event{EscrowID: "0xe1", Name: "FundsLocked", BlockNumber: 10}
	require.NoError(t, store.Append(ctx, e))

	at := time.Now()
	require.NoError(t, store.MarkProcessed(ctx, e.ID, at))

	events, err := store.UnprocessedByEscrow(ctx, "0xe1")
	require.NoError(t, err)
	assert.Empty(t, events)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
}

func TestMarkProcessed_ClearsEarlierFailure(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	e := &Event{EscrowID: "0xe1", Name: "FundsLocked", BlockNumber: 10}
	require.NoError(t, store.Append(ctx, e))
	require.NoError(t, store.MarkFailed(ctx, e.ID, "transient failure"))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed)
	assert.Equal(t, "transient failure", got.ErrorMessage)

	// A failed event stays visible for retry.
	events, err := store.UnprocessedByEscrow(ctx, "0xe1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, store.MarkProcessed(ctx, e.ID, time.Now()))
	got, err = store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Empty(t, got.ErrorMessage)
}

func TestUnprocessedAll_IncludesUnroutable(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Event{EscrowID: "", Name: "FundsLocked", BlockNumber: 7}))
	require.NoError(t, store.Append(ctx, &Event{EscrowID: "0xe1", Name: "FundsLocked", BlockNumber: 9}))

	all, err := store.UnprocessedAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all[0].EscrowID)

	// An empty escrow reference matches nothing in the per-escrow query.
	byEscrow, err := store.UnprocessedByEscrow(ctx, "0xe1")
	require.NoError(t, err)
	assert.Len(t, byEscrow, 1)
}

func TestMark_UnknownEvent(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	assert.ErrorIs(t, store.MarkProcessed(ctx, 99, time.Now()), ErrEventNotFound)
	assert.ErrorIs(t, store.MarkFailed(ctx, 99, "x"), ErrEventNotFound)
}

func TestCursorAdvance(t *testing.T) {
	cursor := NewMemoryCursorStore(100)
	ctx := context.Background()

	block, err := cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block)

	require.NoError(t, cursor.Advance(ctx, 150))
	block, err = cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), block)

	// Re-advancing to the same block is allowed; moving backward is not.
	require.NoError(t, cursor.Advance(ctx, 150))
	assert.ErrorIs(t, cursor.Advance(ctx, 149), ErrCursorBackward)
}

func TestParseEventName(t *testing.T) {
	for _, name := range []EventName{
		EventEscrowCreated, EventFundsLocked, EventFundsReleased,
		EventFundsRefunded, EventDisputeOpened,
	} {
		got, ok := ParseEventName(string(name))
		assert.True(t, ok, "%s", name)
		assert.Equal(t, name, got)
	}

	_, ok := ParseEventName("OwnershipTransferred")
	assert.False(t, ok)
}
