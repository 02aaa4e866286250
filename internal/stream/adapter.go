// Package stream keeps one owner's live transaction list in memory and
// recomputes the summary every time the store pushes a new snapshot.
package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/store"
)

// View is the adapter's state after the latest snapshot.
type View struct {
	UserID       string             `json:"user_id"`
	Transactions []core.Transaction `json:"transactions"`
	Summary      core.Summary       `json:"summary"`
	// Live is false when no subscription is delivering updates.
	Live bool `json:"live"`
}

// ResubscribePolicy decides what happens when an established subscription
// ends with an error. MaxAttempts of zero leaves the list frozen at its
// last state.
type ResubscribePolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NoResubscribe stops updating after the first subscription failure.
var NoResubscribe = ResubscribePolicy{}

// DefaultResubscribePolicy retries five times with 1s..30s backoff.
func DefaultResubscribePolicy() ResubscribePolicy {
	return ResubscribePolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the wait before retry number attempt (0-based), doubling
// from BaseDelay and capped at MaxDelay.
func (p ResubscribePolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Adapter owns at most one live subscription at a time.
type Adapter struct {
	store  store.Subscriber
	policy ResubscribePolicy
	logger *applog.Logger

	// follow serializes Follow and Stop.
	follow sync.Mutex

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	view      View
	listeners map[uint64]func(View)
	nextID    uint64
}

func NewAdapter(s store.Subscriber, policy ResubscribePolicy, logger *applog.Logger) *Adapter {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Adapter{
		store:     s,
		policy:    policy,
		logger:    logger.WithComponent(applog.ComponentStream),
		view:      View{Summary: core.Summarize(nil)},
		listeners: make(map[uint64]func(View)),
	}
}

// OnUpdate registers fn to run synchronously after every list replacement.
// The returned func removes it.
func (a *Adapter) OnUpdate(fn func(View)) (remove func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// View returns a copy of the current state.
func (a *Adapter) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.view
	v.Transactions = slices.Clone(a.view.Transactions)
	return v
}

// Follow tears down the current subscription, if any, and opens one for
// userID. An empty userID leaves the adapter idle with an empty list.
func (a *Adapter) Follow(ctx context.Context, userID string) {
	a.follow.Lock()
	defer a.follow.Unlock()
	a.stop()

	a.mu.Lock()
	if userID == "" {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.gen++
	gen := a.gen
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.view = View{UserID: userID, Summary: core.Summarize(nil)}
	a.mu.Unlock()

	go a.run(ctx, gen, userID, done)
}

// Stop cancels the active subscription, waits for it to finish and resets
// the list to empty.
func (a *Adapter) Stop() {
	a.follow.Lock()
	defer a.follow.Unlock()
	a.stop()
}

func (a *Adapter) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.gen++
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	a.mu.Lock()
	a.view = View{Summary: core.Summarize(nil)}
	listeners := a.snapshotListeners()
	v := a.view
	a.mu.Unlock()

	if cancel != nil {
		for _, fn := range listeners {
			fn(v)
		}
	}
}

func (a *Adapter) run(ctx context.Context, gen uint64, userID string, done chan struct{}) {
	defer close(done)
	log := a.logger.With(applog.FieldUserID, userID)

	attempt := 0
	for {
		delivered, err := a.consume(ctx, gen, userID)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 0
		}
		if err == nil {
			err = errEndedWithoutError
		}
		a.setLive(gen, false)

		if attempt >= a.policy.MaxAttempts {
			log.Error("Live subscription ended, list will no longer update",
				applog.FieldError, err,
				applog.FieldAttempt, attempt)
			return
		}
		delay := a.policy.Delay(attempt)
		attempt++
		log.Warn("Live subscription ended, resubscribing",
			applog.FieldError, err,
			applog.FieldAttempt, attempt,
			applog.FieldDelay, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

var errEndedWithoutError = errors.New("subscription closed by store")

// consume reads one subscription until it ends. delivered reports whether
// at least one snapshot arrived, which resets the retry budget.
func (a *Adapter) consume(ctx context.Context, gen uint64, userID string) (delivered bool, err error) {
	sub, err := a.store.Subscribe(ctx, store.Query{OwnerID: userID})
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return delivered, sub.Err()
			}
			delivered = true
			a.apply(gen, userID, snap)
		}
	}
}

// apply replaces the whole list and recomputes the summary. Snapshots from
// a superseded subscription are dropped.
func (a *Adapter) apply(gen uint64, userID string, snap store.Snapshot) {
	txs := slices.Clone(snap.Transactions)
	summary := core.Summarize(txs)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.view = View{UserID: userID, Transactions: txs, Summary: summary, Live: true}
	v := a.view
	v.Transactions = slices.Clone(txs)
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	a.logger.Debug("Snapshot applied",
		applog.FieldUserID, userID,
		applog.FieldCount, len(txs))

	for _, fn := range listeners {
		fn(v)
	}
}

func (a *Adapter) setLive(gen uint64, live bool) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.view.Live = live
	v := a.view
	v.Transactions = slices.Clone(a.view.Transactions)
	listeners := a.snapshotListeners()
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

func (a *Adapter) snapshotListeners() []func(View) {
	out := make([]func(View), 0, len(a.listeners))
	for _, fn := range a.listeners {
		out = append(out, fn)
	}
	return out
}
