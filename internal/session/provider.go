package session

import (
	"context"
	"sync"
)

// Provider is one client's view of who is signed in. Observers registered
// with Watch are told about every change.
type Provider struct {
	auth *Authenticator

	mu       sync.Mutex
	token    string
	identity Identity
	signedIn bool
	watchers map[uint64]func(Identity, bool)
	nextID   uint64
}

func NewProvider(auth *Authenticator) *Provider {
	return &Provider{
		auth:     auth,
		watchers: make(map[uint64]func(Identity, bool)),
	}
}

// CurrentUserID is empty when nobody is signed in.
func (p *Provider) CurrentUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.signedIn {
		return ""
	}
	return p.identity.UserID
}

func (p *Provider) Identity() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity, p.signedIn
}

// Token returns the session token of the signed-in user.
func (p *Provider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Provider) SignUp(ctx context.Context, email, password, confirm string) (Token, error) {
	t, err := p.auth.SignUp(ctx, email, password, confirm)
	if err != nil {
		return Token{}, err
	}
	p.set(t.Value, t.Identity, true)
	return t, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (Token, error) {
	t, err := p.auth.SignIn(ctx, email, password)
	if err != nil {
		return Token{}, err
	}
	p.set(t.Value, t.Identity, true)
	return t, nil
}

func (p *Provider) SignInWithFederated(ctx context.Context, credential string) (Token, error) {
	t, err := p.auth.SignInWithFederated(ctx, credential)
	if err != nil {
		return Token{}, err
	}
	p.set(t.Value, t.Identity, true)
	return t, nil
}

// Resume restores a session from a previously issued token.
func (p *Provider) Resume(ctx context.Context, token string) error {
	id, err := p.auth.Resume(ctx, token)
	if err != nil {
		return err
	}
	p.set(token, id, true)
	return nil
}

// SignOut revokes the current token and clears the state. Observers are
// notified even if revocation fails.
func (p *Provider) SignOut(ctx context.Context) error {
	token := p.Token()
	var err error
	if token != "" {
		err = p.auth.SignOut(ctx, token)
	}
	p.set("", Identity{}, false)
	return err
}

// Watch calls fn with the current state and again after every change. The
// returned func stops notifications.
func (p *Provider) Watch(fn func(id Identity, signedIn bool)) (cancel func()) {
	p.mu.Lock()
	key := p.nextID
	p.nextID++
	p.watchers[key] = fn
	id, in := p.identity, p.signedIn
	p.mu.Unlock()

	fn(id, in)

	return func() {
		p.mu.Lock()
		delete(p.watchers, key)
		p.mu.Unlock()
	}
}

func (p *Provider) set(token string, id Identity, signedIn bool) {
	p.mu.Lock()
	p.token = token
	p.identity = id
	p.signedIn = signedIn
	watchers := make([]func(Identity, bool), 0, len(p.watchers))
	for _, fn := range p.watchers {
		watchers = append(watchers, fn)
	}
	p.mu.Unlock()

	for _, fn := range watchers {
		fn(id, signedIn)
	}
}
