package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tracker/internal/core"
	"tracker/internal/store"
)

type record struct {
	tx  core.Transaction
	seq int64
}

// Store keeps transactions in process memory and serves live queries over
// a store.Feed.
type Store struct {
	mu    sync.Mutex
	items map[string]record
	seq   int64

	feed     *store.Feed
	notifier store.Notifier
}

// New returns an empty store. Writes notify the store's own feed; pass
// extra notifiers (for example a relay publisher) to fan out further.
func New(extra ...store.Notifier) *Store {
	s := &Store{items: make(map[string]record)}
	s.feed = store.NewFeed(s.query)
	s.notifier = store.Notifiers(append([]store.Notifier{s.feed}, extra...))
	return s
}

// Feed exposes the live-query feed so remote change events can be routed in.
func (s *Store) Feed() *store.Feed { return s.feed }

func (s *Store) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if strings.TrimSpace(q.OwnerID) == "" {
		return nil, fmt.Errorf("subscribe: %w", core.ErrEmptyOwner)
	}
	return s.feed.Subscribe(ctx, q)
}

// Create stores the transaction and returns its generated id.
func (s *Store) Create(ctx context.Context, n core.NewTransaction) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	tx := core.Transaction{
		ID:          uuid.NewString(),
		OwnerID:     n.OwnerID,
		Description: n.Description,
		Amount:      n.Amount,
		Type:        n.Type,
		CreatedAt:   n.CreatedAt,
	}

	s.mu.Lock()
	s.seq++
	s.items[tx.ID] = record{tx: tx, seq: s.seq}
	s.mu.Unlock()

	s.notifier.Changed(ctx, n.OwnerID)
	return tx.ID, nil
}

func (s *Store) Update(ctx context.Context, id, ownerID string, p core.TransactionPatch) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if rec.tx.OwnerID != ownerID {
		s.mu.Unlock()
		return store.ErrPermissionDenied
	}
	rec.tx = p.Apply(rec.tx)
	s.items[id] = rec
	s.mu.Unlock()

	s.notifier.Changed(ctx, ownerID)
	return nil
}

func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	rec, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if rec.tx.OwnerID != ownerID {
		s.mu.Unlock()
		return store.ErrPermissionDenied
	}
	delete(s.items, id)
	s.mu.Unlock()

	s.notifier.Changed(ctx, ownerID)
	return nil
}

// Get returns a single transaction by id.
func (s *Store) Get(_ context.Context, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return core.Transaction{}, store.ErrNotFound
	}
	return rec.tx, nil
}

// Close ends every live subscription.
func (s *Store) Close() error {
	s.feed.Close()
	return nil
}

func (s *Store) query(_ context.Context, ownerID string) ([]core.Transaction, error) {
	s.mu.Lock()
	recs := make([]record, 0, len(s.items))
	for _, rec := range s.items {
		if rec.tx.OwnerID == ownerID {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].tx.CreatedAt.Equal(recs[j].tx.CreatedAt) {
			return recs[i].tx.CreatedAt.After(recs[j].tx.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})

	out := make([]core.Transaction, len(recs))
	for i, rec := range recs {
		out[i] = rec.tx
	}
	return out, nil
}
