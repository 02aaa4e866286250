package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/session"
	"tracker/internal/store"
)

// SQLiteRepository stores transactions and users in one SQLite file and
// serves live queries over a store.Feed.
type SQLiteRepository struct {
	db       *sql.DB
	feed     *store.Feed
	notifier store.Notifier
	logger   *applog.Logger
}

// NewSQLiteRepository opens dbPath, runs migrations and returns a store.
// Every successful write notifies the repository's feed and then extra.
func NewSQLiteRepository(dbPath string, logger *applog.Logger, extra ...store.Notifier) (*SQLiteRepository, error) {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps seq allocation
	// consistent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	r := &SQLiteRepository{
		db:     db,
		logger: logger.WithComponent(applog.ComponentStore),
	}
	r.feed = store.NewFeed(r.query)
	r.notifier = store.Notifiers(append([]store.Notifier{r.feed}, extra...))
	return r, nil
}

// Feed exposes the live-query feed so remote change events can be routed in.
func (r *SQLiteRepository) Feed() *store.Feed { return r.feed }

func (r *SQLiteRepository) Close() error {
	r.feed.Close()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database answers.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	if strings.TrimSpace(q.OwnerID) == "" {
		return nil, fmt.Errorf("subscribe: %w", core.ErrEmptyOwner)
	}
	return r.feed.Subscribe(ctx, q)
}

func (r *SQLiteRepository) Create(ctx context.Context, n core.NewTransaction) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, description, amount, type, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions))`,
		id, n.OwnerID, n.Description, string(n.Amount), string(n.Type), n.CreatedAt.UnixMicro())
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}

	r.logger.DebugContext(ctx, "Transaction saved to SQLite",
		applog.FieldTransactionID, id,
		applog.FieldOwnerID, n.OwnerID,
		applog.FieldAmount, string(n.Amount))
	r.notifier.Changed(ctx, n.OwnerID)
	return id, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, id, ownerID string, p core.TransactionPatch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := r.checkOwner(ctx, id, ownerID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET description = ?, amount = ?, type = ? WHERE id = ? AND owner_id = ?`,
		p.Description, string(p.Amount), string(p.Type), id, ownerID)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	r.notifier.Changed(ctx, ownerID)
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id, ownerID string) error {
	if err := r.checkOwner(ctx, id, ownerID); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	r.notifier.Changed(ctx, ownerID)
	return nil
}

// Get returns a single transaction by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, description, amount, type, created_at
		FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, store.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (r *SQLiteRepository) checkOwner(ctx context.Context, id, ownerID string) error {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM transactions WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load transaction %s: %w", id, err)
	}
	if owner != ownerID {
		return store.ErrPermissionDenied
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, ownerID string) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, description, amount, type, created_at
		FROM transactions
		WHERE owner_id = ?
		ORDER BY created_at DESC, seq DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []core.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (core.Transaction, error) {
	var (
		tx        core.Transaction
		amount    string
		txType    string
		createdAt int64
	)
	if err := s.Scan(&tx.ID, &tx.OwnerID, &tx.Description, &amount, &txType, &createdAt); err != nil {
		return core.Transaction{}, err
	}
	tx.Amount = core.Amount(amount)
	tx.Type = core.TxType(txType)
	tx.CreatedAt = time.UnixMicro(createdAt).UTC()
	return tx, nil
}

// CreateUser implements session.UserStore.
func (r *SQLiteRepository) CreateUser(ctx context.Context, u session.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, provider, subject, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, session.NormalizeEmail(u.Email), u.PasswordHash, u.Provider, u.Subject, u.CreatedAt.UnixMicro())
	if isUniqueViolation(err) {
		return session.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// FindByEmail implements session.UserStore.
func (r *SQLiteRepository) FindByEmail(ctx context.Context, email string) (session.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, provider, subject, created_at
		FROM users WHERE email = ?`, session.NormalizeEmail(email))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.User{}, session.ErrUserNotFound
	}
	if err != nil {
		return session.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// FindOrCreateFederated implements session.UserStore.
func (r *SQLiteRepository) FindOrCreateFederated(ctx context.Context, provider, subject, email string) (session.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, provider, subject, created_at
		FROM users WHERE provider = ? AND subject = ?`, provider, subject)
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return session.User{}, fmt.Errorf("find federated user: %w", err)
	}

	email = session.NormalizeEmail(email)
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET provider = ?, subject = ?
		WHERE email = ? AND subject = ''`, provider, subject, email)
	if err != nil {
		return session.User{}, fmt.Errorf("link federated user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		r.logger.InfoContext(ctx, "Linked federated sign-in to existing account", applog.FieldProvider, provider)
		return r.FindByEmail(ctx, email)
	}

	u = session.User{
		ID:        uuid.NewString(),
		Email:     email,
		Provider:  provider,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.CreateUser(ctx, u); err != nil {
		return session.User{}, err
	}
	return u, nil
}

// RevokeToken implements session.UserStore.
func (r *SQLiteRepository) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)
		ON CONFLICT (token_id) DO UPDATE SET expires_at = excluded.expires_at`,
		tokenID, expiresAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

// IsRevoked implements session.UserStore.
func (r *SQLiteRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM revoked_tokens WHERE token_id = ?`, tokenID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return true, nil
}

// PurgeRevoked implements session.UserStore.
func (r *SQLiteRepository) PurgeRevoked(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, now.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanUser(s scanner) (session.User, error) {
	var (
		u         session.User
		createdAt int64
	)
	if err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Provider, &u.Subject, &createdAt); err != nil {
		return session.User{}, err
	}
	u.CreatedAt = time.UnixMicro(createdAt).UTC()
	return u, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
