package store

import (
	"context"
	"errors"

	"tracker/internal/core"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrClosed           = errors.New("store closed")
)

// Query selects one owner's transactions. Results are always ordered by
// creation time, newest first; ties put the later insertion first.
type Query struct {
	OwnerID string
}

// Snapshot is the full ordered result set of a live query at one moment.
type Snapshot struct {
	Transactions []core.Transaction
}

// Ports for the transaction store.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=ports.go
type (
	// Subscription delivers a fresh Snapshot after every change. The
	// channel is closed when the subscription ends; Err then says why.
	Subscription interface {
		Snapshots() <-chan Snapshot
		// Err is nil after Unsubscribe or context cancellation.
		Err() error
		Unsubscribe()
	}

	Subscriber interface {
		Subscribe(ctx context.Context, q Query) (Subscription, error)
	}

	Writer interface {
		Create(ctx context.Context, n core.NewTransaction) (id string, err error)
		// Update touches description, amount and type only.
		Update(ctx context.Context, id, ownerID string, p core.TransactionPatch) error
		Delete(ctx context.Context, id, ownerID string) error
	}

	Store interface {
		Subscriber
		Writer
	}

	// Notifier is told about every successful write so live queries for
	// that owner re-run.
	Notifier interface {
		Changed(ctx context.Context, ownerID string)
	}
)
