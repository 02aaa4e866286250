package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Providers recorded on a User.
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

// User is an account known to the tracker.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Provider     string
	Subject      string
	CreatedAt    time.Time
}

// UserStore persists accounts. Emails are stored normalised.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	FindByEmail(ctx context.Context, email string) (User, error)
	// FindOrCreateFederated returns the account bound to provider/subject.
	// On first sign-in it links the account that already owns email, or
	// creates one.
	FindOrCreateFederated(ctx context.Context, provider, subject, email string) (User, error)

	// RevokeToken records a signed-out token id until expiresAt.
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// PurgeRevoked forgets revocations that expired before now.
	PurgeRevoked(ctx context.Context, now time.Time) (int, error)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DisplayName is the part of the address before '@'.
func DisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// MemoryUsers is an in-process UserStore.
type MemoryUsers struct {
	mu        sync.RWMutex
	byEmail   map[string]User
	federated map[string]string
	revoked   map[string]time.Time
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byEmail:   make(map[string]User),
		federated: make(map[string]string),
		revoked:   make(map[string]time.Time),
	}
}

func (m *MemoryUsers) CreateUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = NormalizeEmail(u.Email)
	if _, ok := m.byEmail[u.Email]; ok {
		return ErrEmailTaken
	}
	m.byEmail[u.Email] = u
	if u.Subject != "" {
		m.federated[u.Provider+"|"+u.Subject] = u.Email
	}
	return nil
}

func (m *MemoryUsers) FindByEmail(ctx context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *MemoryUsers) FindOrCreateFederated(ctx context.Context, provider, subject, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := provider + "|" + subject
	if addr, ok := m.federated[key]; ok {
		return m.byEmail[addr], nil
	}
	email = NormalizeEmail(email)
	if u, ok := m.byEmail[email]; ok {
		if u.Subject != "" {
			return User{}, ErrEmailTaken
		}
		u.Provider, u.Subject = provider, subject
		m.byEmail[email] = u
		m.federated[key] = email
		return u, nil
	}
	u := User{
		ID:        uuid.NewString(),
		Email:     email,
		Provider:  provider,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}
	m.byEmail[email] = u
	m.federated[key] = email
	return u, nil
}

func (m *MemoryUsers) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = expiresAt
	return nil
}

func (m *MemoryUsers) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[tokenID]
	return ok, nil
}

func (m *MemoryUsers) PurgeRevoked(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, id)
			n++
		}
	}
	return n, nil
}
