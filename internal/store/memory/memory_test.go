package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker/internal/core"
	"tracker/internal/store"
)

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func newTx(owner, desc string, typ core.TxType, amount core.Amount, at time.Time) core.NewTransaction {
	return core.NewTransaction{OwnerID: owner, Description: desc, Amount: amount, Type: typ, CreatedAt: at}
}

func next(t *testing.T, sub store.Subscription) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func descriptions(snap store.Snapshot) []string {
	out := make([]string, len(snap.Transactions))
	for i, tx := range snap.Transactions {
		out[i] = tx.Description
	}
	return out
}

func TestSubscribeDeliversOrderedOwnerScopedSnapshots(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	_, err := s.Create(ctx, newTx("alice", "old", core.Income, "10", base))
	require.NoError(t, err)
	_, err = s.Create(ctx, newTx("bob", "bob's", core.Income, "99", base.Add(time.Hour)))
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, store.Query{OwnerID: "alice"})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, []string{"old"}, descriptions(next(t, sub)))

	_, err = s.Create(ctx, newTx("alice", "new", core.Expense, "5", base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, descriptions(next(t, sub)))
}

func TestEqualCreatedAtOrdersLaterInsertFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	for _, d := range []string{"first", "second"} {
		_, err := s.Create(ctx, newTx("alice", d, core.Income, "1", base))
		require.NoError(t, err)
	}

	txs, err := s.query(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "second", txs[0].Description)
}

func TestUpdateKeepsOwnerAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	id, err := s.Create(ctx, newTx("alice", "rent", core.Expense, "100", base))
	require.NoError(t, err)

	err = s.Update(ctx, id, "alice", core.TransactionPatch{Description: "rent (june)", Amount: "120", Type: core.Expense})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Equal(t, core.Amount("120"), got.Amount)
}

func TestWritesAreOwnerScoped(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	id, err := s.Create(ctx, newTx("alice", "rent", core.Expense, "100", base))
	require.NoError(t, err)

	patch := core.TransactionPatch{Description: "x", Amount: "1", Type: core.Income}
	assert.ErrorIs(t, s.Update(ctx, id, "mallory", patch), store.ErrPermissionDenied)
	assert.ErrorIs(t, s.Delete(ctx, id, "mallory"), store.ErrPermissionDenied)
	assert.ErrorIs(t, s.Delete(ctx, "missing", "alice"), store.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "missing", "alice", patch), store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, id, "alice"))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	sub, err := s.Subscribe(ctx, store.Query{OwnerID: "alice"})
	require.NoError(t, err)
	next(t, sub)

	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Snapshots():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
	assert.NoError(t, sub.Err())
	assert.Eventually(t, func() bool { return s.Feed().Subscribers("alice") == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseEndsSubscriptionsWithError(t *testing.T) {
	ctx := context.Background()
	s := New()

	sub, err := s.Subscribe(ctx, store.Query{OwnerID: "alice"})
	require.NoError(t, err)
	next(t, sub)

	require.NoError(t, s.Close())
	for range sub.Snapshots() {
	}
	assert.ErrorIs(t, sub.Err(), store.ErrClosed)

	_, err = s.Subscribe(ctx, store.Query{OwnerID: "alice"})
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestSubscribeRequiresOwner(t *testing.T) {
	s := New()
	defer s.Close()
	_, err := s.Subscribe(context.Background(), store.Query{})
	assert.ErrorIs(t, err, core.ErrEmptyOwner)
}
