// Package reconciler owns the single create/edit form and its submission
// lifecycle: validate, write, clear.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/store"
)

var (
	ErrSubmitInFlight   = errors.New("a submission is already in flight")
	ErrDeleteInFlight   = errors.New("a delete is already in flight")
	ErrNotAuthenticated = errors.New("not signed in")
)

// Identity supplies the signed-in user for creates and owner checks.
type Identity interface {
	CurrentUserID() string
}

// Form is a copy of the working fields and guards.
type Form struct {
	Description string      `json:"description"`
	Amount      string      `json:"amount"`
	Type        core.TxType `json:"type"`
	// EditingID selects update mode when non-empty.
	EditingID  string `json:"editing_id,omitempty"`
	Submitting bool   `json:"submitting"`
	Deleting   bool   `json:"deleting"`
	CanSubmit  bool   `json:"can_submit"`
}

// Reconciler serializes create/update writes from one form. Deletes have
// their own guard and may overlap a create/update.
type Reconciler struct {
	writer   store.Writer
	identity Identity
	now      func() time.Time
	logger   *applog.Logger
	events   *applog.StructuredLogger

	mu          sync.Mutex
	description string
	amount      string
	txType      core.TxType
	editingID   string

	writeSlot  *semaphore.Weighted
	deleteSlot *semaphore.Weighted
	submitting atomic.Bool
	deleting   atomic.Bool
}

func New(w store.Writer, identity Identity, logger *applog.Logger) *Reconciler {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentReconciler)
	return &Reconciler{
		writer:     w,
		identity:   identity,
		now:        time.Now,
		logger:     logger,
		events:     applog.NewStructuredLogger(logger),
		txType:     core.Income,
		writeSlot:  semaphore.NewWeighted(1),
		deleteSlot: semaphore.NewWeighted(1),
	}
}

// WithClock replaces the creation-time source. Used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// BeginCreate switches to create mode for the given type.
func (r *Reconciler) BeginCreate(t core.TxType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.editingID = ""
	r.txType = t
	r.description = ""
	r.amount = ""
}

// BeginEdit loads tx's values into the form and targets its id.
func (r *Reconciler) BeginEdit(tx core.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = tx.Description
	r.amount = string(tx.Amount)
	r.txType = tx.Type
	r.editingID = tx.ID
}

func (r *Reconciler) SetDescription(s string) {
	r.mu.Lock()
	r.description = s
	r.mu.Unlock()
}

func (r *Reconciler) SetAmount(s string) {
	r.mu.Lock()
	r.amount = s
	r.mu.Unlock()
}

func (r *Reconciler) SetType(t core.TxType) {
	r.mu.Lock()
	r.txType = t
	r.mu.Unlock()
}

// Form returns the current working state.
func (r *Reconciler) Form() Form {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := Form{
		Description: r.description,
		Amount:      r.amount,
		Type:        r.txType,
		EditingID:   r.editingID,
		Submitting:  r.submitting.Load(),
		Deleting:    r.deleting.Load(),
	}
	_, _, err := validate(r.description, r.amount)
	f.CanSubmit = err == nil && !f.Submitting
	return f
}

func validate(description, amount string) (string, core.Amount, error) {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return "", "", core.ErrEmptyDescription
	}
	a, err := core.ParseAmount(amount)
	if err != nil {
		return "", "", err
	}
	return desc, a, nil
}

// Submit writes the form. Validation failures and an in-flight submission
// return without touching the store. On success description, amount and
// editing id are cleared and the type is kept; on failure the form is left
// as it was so the user can retry.
func (r *Reconciler) Submit(ctx context.Context) error {
	r.mu.Lock()
	desc, amount, err := validate(r.description, r.amount)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.writeSlot.TryAcquire(1) {
		r.mu.Unlock()
		return ErrSubmitInFlight
	}
	r.submitting.Store(true)
	txType := r.txType
	editingID := r.editingID
	r.mu.Unlock()

	defer func() {
		r.submitting.Store(false)
		r.writeSlot.Release(1)
	}()

	userID := r.identity.CurrentUserID()
	if userID == "" {
		return ErrNotAuthenticated
	}

	op := applog.OpCreate
	id := editingID
	if editingID != "" {
		op = applog.OpUpdate
		err = r.writer.Update(ctx, editingID, userID, core.TransactionPatch{
			Description: desc,
			Amount:      amount,
			Type:        txType,
		})
	} else {
		id, err = r.writer.Create(ctx, core.NewTransaction{
			OwnerID:     userID,
			Description: desc,
			Amount:      amount,
			Type:        txType,
			CreatedAt:   r.now(),
		})
	}
	if err != nil {
		r.events.LogError(ctx, "Transaction write failed", err, op,
			applog.NewFields().WithUser(userID).WithTransaction(editingID, string(txType), string(amount)))
		return fmt.Errorf("%s transaction: %w", op, err)
	}

	r.mu.Lock()
	r.description = ""
	r.amount = ""
	r.editingID = ""
	r.mu.Unlock()

	r.events.LogTransactionWritten(ctx, op, userID, id, string(txType), string(amount))
	return nil
}

// Remove deletes id. A failure is logged and returned; the transaction
// stays in the live list until a later delete succeeds.
func (r *Reconciler) Remove(ctx context.Context, id string) error {
	if !r.deleteSlot.TryAcquire(1) {
		return ErrDeleteInFlight
	}
	r.deleting.Store(true)
	defer func() {
		r.deleting.Store(false)
		r.deleteSlot.Release(1)
	}()

	userID := r.identity.CurrentUserID()
	if userID == "" {
		return ErrNotAuthenticated
	}

	if err := r.writer.Delete(ctx, id, userID); err != nil {
		r.events.LogError(ctx, "Error deleting transaction", err, applog.OpDelete,
			applog.NewFields().WithUser(userID).WithTransaction(id, "", ""))
		return fmt.Errorf("delete transaction: %w", err)
	}

	r.logger.InfoContext(ctx, "Transaction deleted",
		applog.FieldUserID, userID,
		applog.FieldTransactionID, id)
	return nil
}
