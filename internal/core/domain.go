package core

import (
	"errors"
	"strings"
	"time"
)

const (
	Income  TxType = "income"
	Expense TxType = "expense"
)

type (
	// TxType carries the sign semantics of a transaction.
	TxType string

	// Transaction mirrors a stored record. The client never mutates it.
	Transaction struct {
		ID          string    `json:"id"`
		OwnerID     string    `json:"owner_id"`
		Description string    `json:"description"`
		Amount      Amount    `json:"amount"`
		Type        TxType    `json:"type"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// NewTransaction holds the fields written on create.
	NewTransaction struct {
		OwnerID     string
		Description string
		Amount      Amount
		Type        TxType
		CreatedAt   time.Time
	}

	// TransactionPatch holds the only fields an update may touch.
	TransactionPatch struct {
		Description string
		Amount      Amount
		Type        TxType
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrEmptyDescription = errors.New("empty description")
	ErrEmptyOwner       = errors.New("empty owner")
	ErrInvalidType      = errors.New("invalid transaction type")
)

const maxDescriptionLen = 200

// IsIncome reports whether t is the income tag. Every other value,
// including malformed ones, counts as expense.
func (t TxType) IsIncome() bool {
	return t == Income
}

func (t TxType) Validate() error {
	switch t {
	case Income, Expense:
		return nil
	default:
		return ErrInvalidType
	}
}

// ParseTxType accepts the two tags case-insensitively.
func ParseTxType(s string) (TxType, error) {
	t := TxType(strings.ToLower(strings.TrimSpace(s)))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func validateDescription(desc string) error {
	if len(strings.TrimSpace(desc)) == 0 {
		return ErrEmptyDescription
	}
	if len(desc) > maxDescriptionLen {
		return errors.New("description too long (max 200 characters)")
	}
	return nil
}

func (n NewTransaction) Validate() error {
	if strings.TrimSpace(n.OwnerID) == "" {
		return ErrEmptyOwner
	}
	if err := validateDescription(n.Description); err != nil {
		return err
	}
	if err := n.Amount.Validate(); err != nil {
		return err
	}
	if err := n.Type.Validate(); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		return errors.New("created at cannot be zero")
	}
	return nil
}

func (p TransactionPatch) Validate() error {
	if err := validateDescription(p.Description); err != nil {
		return err
	}
	if err := p.Amount.Validate(); err != nil {
		return err
	}
	return p.Type.Validate()
}

// Apply returns tx with the patch fields replaced. Id, owner and creation
// time are carried over untouched.
func (p TransactionPatch) Apply(tx Transaction) Transaction {
	tx.Description = p.Description
	tx.Amount = p.Amount
	tx.Type = p.Type
	return tx
}
