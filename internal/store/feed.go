package store

import (
	"context"
	"sync"

	"tracker/internal/core"
)

// QueryFunc runs a live query once and returns the full ordered result.
type QueryFunc func(ctx context.Context, ownerID string) ([]core.Transaction, error)

// Feed turns a one-shot query into push-based live queries. Every
// subscriber gets the initial result and then a full re-query after each
// Changed call for its owner. Notifications coalesce: a slow reader
// skips intermediate states but always ends on the latest one.
type Feed struct {
	query QueryFunc

	mu     sync.Mutex
	subs   map[string]map[*feedSub]struct{}
	closed bool
}

func NewFeed(query QueryFunc) *Feed {
	return &Feed{
		query: query,
		subs:  make(map[string]map[*feedSub]struct{}),
	}
}

type feedSub struct {
	feed    *Feed
	ownerID string
	out     chan Snapshot
	notify  chan struct{}
	stop    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func (f *Feed) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	s := &feedSub{
		feed:    f,
		ownerID: q.OwnerID,
		out:     make(chan Snapshot),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	if f.subs[q.OwnerID] == nil {
		f.subs[q.OwnerID] = make(map[*feedSub]struct{})
	}
	f.subs[q.OwnerID][s] = struct{}{}

	// Initial snapshot.
	s.notify <- struct{}{}
	go s.run(ctx)
	return s, nil
}

// Changed schedules a re-query for every live subscription of ownerID.
func (f *Feed) Changed(_ context.Context, ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[ownerID] {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Close ends every subscription with ErrClosed.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	var all []*feedSub
	for _, owned := range f.subs {
		for s := range owned {
			all = append(all, s)
		}
	}
	f.mu.Unlock()

	for _, s := range all {
		s.end(ErrClosed)
	}
}

// Subscribers returns the number of live subscriptions for ownerID.
func (f *Feed) Subscribers(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[ownerID])
}

// Owners lists every owner with at least one live subscription.
func (f *Feed) Owners() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	owners := make([]string, 0, len(f.subs))
	for owner := range f.subs {
		owners = append(owners, owner)
	}
	return owners
}

func (f *Feed) remove(s *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owned := f.subs[s.ownerID]; owned != nil {
		delete(owned, s)
		if len(owned) == 0 {
			delete(f.subs, s.ownerID)
		}
	}
}

func (s *feedSub) run(ctx context.Context) {
	defer close(s.out)
	defer s.feed.remove(s)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.notify:
		}

		txs, err := s.feed.query(ctx, s.ownerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.end(err)
			return
		}

		select {
		case s.out <- Snapshot{Transactions: txs}:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *feedSub) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.stop)
		s.feed.remove(s)
	})
}

func (s *feedSub) Snapshots() <-chan Snapshot { return s.out }

func (s *feedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *feedSub) Unsubscribe() { s.end(nil) }

// Notifiers fans one change out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Changed(ctx context.Context, ownerID string) {
	for _, n := range ns {
		if n != nil {
			n.Changed(ctx, ownerID)
		}
	}
}
