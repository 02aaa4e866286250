// Package session handles accounts, signed session tokens and the
// per-client auth state that the dashboard follows.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"tracker/internal/cache"
	applog "tracker/internal/log"
)

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired session token")
)

const (
	minPasswordLen = 6
	defaultIssuer  = "tracker"
)

// Identity is the signed-in principal carried by a session token.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token is a signed session token and the identity it encodes.
type Token struct {
	Value    string   `json:"token"`
	Identity Identity `json:"identity"`
}

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Config holds Authenticator settings.
type Config struct {
	Secret     []byte
	TokenTTL   time.Duration
	Issuer     string
	BcryptCost int
	Federated  FederatedVerifier
}

// Authenticator issues and verifies HS256 session tokens.
type Authenticator struct {
	users     UserStore
	secret    []byte
	ttl       time.Duration
	issuer    string
	cost      int
	federated FederatedVerifier
	now       func() time.Time
	logger    *applog.Logger
}

func NewAuthenticator(users UserStore, cfg Config, logger *applog.Logger) *Authenticator {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Authenticator{
		users:     users,
		secret:    cfg.Secret,
		ttl:       cfg.TokenTTL,
		issuer:    cfg.Issuer,
		cost:      cfg.BcryptCost,
		federated: cfg.Federated,
		now:       time.Now,
		logger:    logger.WithComponent(applog.ComponentSession),
	}
}

// Revoked exposes the stored revocation list for periodic cleanup.
func (a *Authenticator) Revoked() cache.Cleaner { return revocationSweeper{a} }

type revocationSweeper struct{ a *Authenticator }

func (s revocationSweeper) CleanExpired() int {
	n, err := s.a.users.PurgeRevoked(context.Background(), s.a.now())
	if err != nil {
		s.a.logger.Warn("Failed to purge revoked tokens", applog.FieldError, err)
	}
	return n
}

// SignUp registers a password account and signs it in.
func (a *Authenticator) SignUp(ctx context.Context, email, password, confirm string) (Token, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Token{}, ErrMissingCredentials
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Token{}, ErrInvalidEmail
	}
	if password != confirm {
		return Token{}, ErrPasswordMismatch
	}
	if len(password) < minPasswordLen {
		return Token{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return Token{}, fmt.Errorf("hash password: %w", err)
	}
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Provider:     ProviderPassword,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		return Token{}, fmt.Errorf("create user: %w", err)
	}

	a.logger.InfoContext(ctx, "User signed up",
		applog.FieldUserID, u.ID,
		applog.FieldProvider, u.Provider)
	return a.issue(u)
}

// SignIn checks a password. Unknown emails and wrong passwords produce the
// same error.
func (a *Authenticator) SignIn(ctx context.Context, email, password string) (Token, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Token{}, ErrMissingCredentials
	}

	u, err := a.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return Token{}, ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, fmt.Errorf("find user: %w", err)
	}
	if len(u.PasswordHash) == 0 {
		return Token{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		a.logger.WarnContext(ctx, "Password sign-in rejected", applog.FieldUserID, u.ID)
		return Token{}, ErrInvalidCredentials
	}

	a.logger.InfoContext(ctx, "User signed in",
		applog.FieldUserID, u.ID,
		applog.FieldProvider, ProviderPassword)
	return a.issue(u)
}

// SignInWithFederated exchanges an external credential for a session.
func (a *Authenticator) SignInWithFederated(ctx context.Context, credential string) (Token, error) {
	if a.federated == nil {
		return Token{}, ErrFederatedDisabled
	}
	if credential == "" {
		return Token{}, ErrMissingCredentials
	}
	id, err := a.federated.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrFederatedDisabled) {
			return Token{}, err
		}
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	u, err := a.users.FindOrCreateFederated(ctx, id.Provider, id.Subject, id.Email)
	if err != nil {
		return Token{}, fmt.Errorf("find federated user: %w", err)
	}

	a.logger.InfoContext(ctx, "User signed in",
		applog.FieldUserID, u.ID,
		applog.FieldProvider, id.Provider)
	return a.issue(u)
}

// SignOut revokes the token until it would have expired anyway.
func (a *Authenticator) SignOut(ctx context.Context, token string) error {
	id, err := a.Resume(ctx, token)
	if err != nil {
		return err
	}
	if err := a.users.RevokeToken(ctx, id.TokenID, id.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	a.logger.InfoContext(ctx, "User signed out", applog.FieldUserID, id.UserID)
	return nil
}

// Resume verifies a token and returns its identity.
func (a *Authenticator) Resume(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	revoked, err := a.users.IsRevoked(ctx, c.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		UserID:    c.Subject,
		Email:     c.Email,
		Name:      DisplayName(c.Email),
		TokenID:   c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

func (a *Authenticator) issue(u User) (Token, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	c := claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		Value: signed,
		Identity: Identity{
			UserID:    u.ID,
			Email:     u.Email,
			Name:      DisplayName(u.Email),
			TokenID:   c.ID,
			ExpiresAt: c.ExpiresAt.Time,
		},
	}, nil
}
