package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/store"
	"tracker/internal/store/memory"
	"tracker/internal/store/mocks"
)

var base = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

// recorder collects every view pushed to a listener.
type recorder struct {
	mu    sync.Mutex
	views []View
}

func (r *recorder) add(v View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func (r *recorder) last() (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return View{}, false
	}
	return r.views[len(r.views)-1], true
}

func fastPolicy(attempts int) ResubscribePolicy {
	return ResubscribePolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDelay(t *testing.T) {
	p := DefaultResubscribePolicy()
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.expected, p.Delay(tt.attempt))
		})
	}
}

func TestFollowRecomputesOnEverySnapshot(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()

	a := NewAdapter(s, NoResubscribe, applog.Discard())
	rec := &recorder{}
	a.OnUpdate(rec.add)

	a.Follow(ctx, "alice")
	defer a.Stop()

	require.Eventually(t, func() bool { return a.View().Live }, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.View().Transactions)

	_, err := s.Create(ctx, core.NewTransaction{OwnerID: "alice", Description: "salary", Amount: "500", Type: core.Income, CreatedAt: base})
	require.NoError(t, err)
	_, err = s.Create(ctx, core.NewTransaction{OwnerID: "alice", Description: "rent", Amount: "200", Type: core.Expense, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Create(ctx, core.NewTransaction{OwnerID: "bob", Description: "other", Amount: "9", Type: core.Income, CreatedAt: base})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.View().Transactions) == 2 }, time.Second, 5*time.Millisecond)
	v := a.View()
	assert.Equal(t, "rent", v.Transactions[0].Description)
	assert.Equal(t, "300", v.Summary.Balance.String())
	assert.InDelta(t, 40.0, v.Summary.Ratio, 1e-9)
	assert.Equal(t, "rent", v.Summary.Latest.Description)

	last, ok := rec.last()
	require.True(t, ok)
	assert.Len(t, last.Transactions, 2)
}

func TestFollowWithoutUserOpensNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubscriber(ctrl)

	a := NewAdapter(sub, DefaultResubscribePolicy(), applog.Discard())
	a.Follow(context.Background(), "")

	v := a.View()
	assert.Empty(t, v.Transactions)
	assert.False(t, v.Live)
	assert.Empty(t, v.UserID)
}

func TestFollowReplacesPreviousSubscription(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()

	_, err := s.Create(ctx, core.NewTransaction{OwnerID: "bob", Description: "bob pay", Amount: "7", Type: core.Income, CreatedAt: base})
	require.NoError(t, err)

	a := NewAdapter(s, NoResubscribe, applog.Discard())
	a.Follow(ctx, "alice")
	require.Eventually(t, func() bool { return a.View().Live }, time.Second, 5*time.Millisecond)

	a.Follow(ctx, "bob")
	defer a.Stop()

	require.Eventually(t, func() bool { return len(a.View().Transactions) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", a.View().UserID)
	assert.Equal(t, 0, s.Feed().Subscribers("alice"))
	assert.Equal(t, 1, s.Feed().Subscribers("bob"))
}

func TestStopClearsListAndUnsubscribes(t *testing.T) {
	ctrl := gomock.NewController(t)
	subscriber := mocks.NewMockSubscriber(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	ch := make(chan store.Snapshot, 1)
	ch <- store.Snapshot{Transactions: []core.Transaction{{ID: "t1", Amount: "5", Type: core.Income}}}

	subscriber.EXPECT().Subscribe(gomock.Any(), store.Query{OwnerID: "alice"}).Return(sub, nil)
	sub.EXPECT().Snapshots().Return((<-chan store.Snapshot)(ch)).AnyTimes()
	sub.EXPECT().Unsubscribe().Times(1)

	a := NewAdapter(subscriber, DefaultResubscribePolicy(), applog.Discard())
	a.Follow(context.Background(), "alice")
	require.Eventually(t, func() bool { return len(a.View().Transactions) == 1 }, time.Second, 5*time.Millisecond)

	a.Stop()

	v := a.View()
	assert.Empty(t, v.Transactions)
	assert.False(t, v.Live)
	assert.True(t, v.Summary.IncomeTotal.IsZero())
}

func TestResubscribesAfterFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	subscriber := mocks.NewMockSubscriber(ctrl)
	broken := mocks.NewMockSubscription(ctrl)
	healthy := mocks.NewMockSubscription(ctrl)

	closed := make(chan store.Snapshot)
	close(closed)
	fresh := make(chan store.Snapshot, 1)
	fresh <- store.Snapshot{Transactions: []core.Transaction{{ID: "t1", Amount: "42", Type: core.Expense}}}

	gomock.InOrder(
		subscriber.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(broken, nil),
		subscriber.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(healthy, nil),
	)
	broken.EXPECT().Snapshots().Return((<-chan store.Snapshot)(closed)).AnyTimes()
	broken.EXPECT().Err().Return(errors.New("permission denied"))
	broken.EXPECT().Unsubscribe()
	healthy.EXPECT().Snapshots().Return((<-chan store.Snapshot)(fresh)).AnyTimes()
	healthy.EXPECT().Unsubscribe()

	a := NewAdapter(subscriber, fastPolicy(2), applog.Discard())
	a.Follow(context.Background(), "alice")

	require.Eventually(t, func() bool { return len(a.View().Transactions) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "42", a.View().Summary.ExpenseTotal.String())
	a.Stop()
}

func TestNoResubscribeFreezesLastState(t *testing.T) {
	ctrl := gomock.NewController(t)
	subscriber := mocks.NewMockSubscriber(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	ch := make(chan store.Snapshot, 1)
	ch <- store.Snapshot{Transactions: []core.Transaction{{ID: "t1", Amount: "10", Type: core.Income}}}
	close(ch)

	subscriber.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(sub, nil).Times(1)
	sub.EXPECT().Snapshots().Return((<-chan store.Snapshot)(ch)).AnyTimes()
	sub.EXPECT().Err().Return(errors.New("network down"))
	sub.EXPECT().Unsubscribe()

	a := NewAdapter(subscriber, NoResubscribe, applog.Discard())
	rec := &recorder{}
	a.OnUpdate(rec.add)
	a.Follow(context.Background(), "alice")

	require.Eventually(t, func() bool {
		v, ok := rec.last()
		return ok && !v.Live && len(v.Transactions) == 1
	}, time.Second, 5*time.Millisecond)

	v := a.View()
	assert.Equal(t, "10", v.Summary.IncomeTotal.String())
	a.Stop()
}

func TestSubscribeErrorCountsAsAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	subscriber := mocks.NewMockSubscriber(ctrl)

	subscriber.EXPECT().Subscribe(gomock.Any(), gomock.Any()).Return(nil, errors.New("unavailable")).Times(3)

	a := NewAdapter(subscriber, fastPolicy(2), applog.Discard())
	a.Follow(context.Background(), "alice")

	// run exits after the budget is spent; Stop must still return.
	time.Sleep(50 * time.Millisecond)
	a.Stop()
	assert.Empty(t, a.View().Transactions)
}
