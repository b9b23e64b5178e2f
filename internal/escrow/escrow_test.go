package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store), store
}

func validCreateRequest() CreateRequest {
	return CreateRequest{
		OrderID:         "ord_1",
		EscrowID:        "0xabc123",
		ContractAddress: "0xAbCdEf0123456789AbCdEf0123456789AbCdEf01",
		CryptoAmount:    "1.5",
		CryptoCurrency:  "eth",
	}
}

func TestCreate(t *testing.T) {
	svc, _ := newTestService(t)

	esc, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusPending, esc.Status)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", esc.ContractAddress)
	assert.Equal(t, "ETH", esc.CryptoCurrency)
	assert.NotEmpty(t, esc.ID)
	assert.Empty(t, esc.ReleaseTxHash)
	assert.Nil(t, esc.LockedAt)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := validCreateRequest()
	req.OrderID = ""
	_, err := svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrMissingOrderID)

	req = validCreateRequest()
	req.EscrowID = ""
	_, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrMissingOnChainID)

	for _, amount := range []string{"", "abc", "-1", "1.2.3"} {
		req = validCreateRequest()
		req.CryptoAmount = amount
		_, err = svc.Create(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}

	for _, addr := range []string{"", "0x123", "not-an-address"} {
		req = validCreateRequest()
		req.ContractAddress = addr
		_, err = svc.Create(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidContract, "contract %q", addr)
	}
}

func TestCreate_OneEscrowPerOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	req := validCreateRequest()
	req.EscrowID = "0xother"
	_, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateEscrow)
}

func TestApply_Lock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusLocked, At: at})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusLocked, updated.Status)
	require.NotNil(t, updated.LockedAt)
	assert.Equal(t, at, *updated.LockedAt)
}

func TestApply_IdempotentOnRepeat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	_, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusLocked})
	require.NoError(t, err)
	require.True(t, changed)

	updated, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusLocked})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusLocked, updated.Status)
}

func TestApply_ReleaseRecordsTxHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	_, _, err = svc.Apply(ctx, esc.ID, Transition{To: StatusLocked})
	require.NoError(t, err)

	updated, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusReleased, TxHash: "0xrel"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "0xrel", updated.ReleaseTxHash)
	assert.NotNil(t, updated.ReleasedAt)
	assert.Empty(t, updated.RefundTxHash)
}

func TestApply_ConflictingTxHashRejected(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	// Simulate a retry after a crash that persisted the hash but not the
	// status: the stored hash must win over a different incoming one.
	stored, err := store.Get(ctx, esc.ID)
	require.NoError(t, err)
	stored.Status = StatusLocked
	stored.ReleaseTxHash = "0xfirst"
	require.NoError(t, store.Update(ctx, stored))

	_, _, err = svc.Apply(ctx, esc.ID, Transition{To: StatusReleased, TxHash: "0xsecond"})
	assert.ErrorIs(t, err, ErrTxHashAlreadySet)

	// The same hash is fine.
	updated, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusReleased, TxHash: "0xfirst"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "0xfirst", updated.ReleaseTxHash)
}

func TestApply_TerminalIsFinal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	_, _, err = svc.Apply(ctx, esc.ID, Transition{To: StatusReleased})
	require.NoError(t, err)

	for _, to := range []Status{StatusRefunded, StatusDisputed, StatusLocked, StatusPending} {
		_, _, err = svc.Apply(ctx, esc.ID, Transition{To: to})
		assert.ErrorIs(t, err, ErrInvalidTransition, "to %s", to)
	}
}

func TestApply_DisputeThenSettle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	_, _, err = svc.Apply(ctx, esc.ID, Transition{To: StatusLocked})
	require.NoError(t, err)
	_, _, err = svc.Apply(ctx, esc.ID, Transition{To: StatusDisputed})
	require.NoError(t, err)

	updated, changed, err := svc.Apply(ctx, esc.ID, Transition{To: StatusRefunded, TxHash: "0xref"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRefunded, updated.Status)
	assert.Equal(t, "0xref", updated.RefundTxHash)
}

func TestApply_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Apply(context.Background(), "esc_missing", Transition{To: StatusLocked})
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestAppendValidationError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	require.NoError(t, svc.AppendValidationError(ctx, esc.ID, "status mismatch"))
	require.NoError(t, svc.AppendValidationError(ctx, esc.ID, "second finding"))

	got, err := svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, got.ValidationErrors, 2)
	assert.Contains(t, got.ValidationErrors[0], "status mismatch")
	assert.Contains(t, got.ValidationErrors[1], "second finding")
}

func TestListPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	req := validCreateRequest()
	req.OrderID = "ord_2"
	req.EscrowID = "0xdef456"
	b, err := svc.Create(ctx, req)
	require.NoError(t, err)

	_, _, err = svc.Apply(ctx, b.ID, Transition{To: StatusReleased})
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
}

func TestGetByEscrowID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	esc, err := svc.Create(ctx, validCreateRequest())
	require.NoError(t, err)

	got, err := svc.GetByEscrowID(ctx, "0xabc123")
	require.NoError(t, err)
	assert.Equal(t, esc.ID, got.ID)

	_, err = svc.GetByEscrowID(ctx, "0xnope")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}
