// Package dashboard wires one client's session, live list and edit form
// together.
package dashboard

import (
	"context"
	"sync"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/reconciler"
	"tracker/internal/session"
	"tracker/internal/store"
	"tracker/internal/stream"
)

// View is everything the dashboard screen renders.
type View struct {
	SignedIn     bool               `json:"signed_in"`
	UserID       string             `json:"user_id,omitempty"`
	Name         string             `json:"name,omitempty"`
	Live         bool               `json:"live"`
	Transactions []core.Transaction `json:"transactions"`
	Cards        []core.TxCard      `json:"cards"`
	Summary      core.Summary       `json:"summary"`
	Insights     core.Insights      `json:"insights"`
	Form         reconciler.Form    `json:"form"`
}

// Options tune a Dashboard.
type Options struct {
	Currency string
	Policy   stream.ResubscribePolicy
}

type Dashboard struct {
	id       string
	session  *session.Provider
	stream   *stream.Adapter
	form     *reconciler.Reconciler
	currency string
	logger   *applog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	unwatch func()
	closed  bool
	onClose map[uint64]func()
	nextID  uint64
}

func New(id string, st store.Store, auth *session.Authenticator, opts Options, logger *applog.Logger) *Dashboard {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.With(applog.FieldSessionID, id)
	provider := session.NewProvider(auth)
	return &Dashboard{
		id:       id,
		session:  provider,
		stream:   stream.NewAdapter(st, opts.Policy, logger),
		form:     reconciler.New(st, provider, logger),
		currency: opts.Currency,
		logger:   logger.WithComponent(applog.ComponentDashboard),
	}
}

func (d *Dashboard) ID() string { return d.id }

func (d *Dashboard) Session() *session.Provider { return d.session }

func (d *Dashboard) Form() *reconciler.Reconciler { return d.form }

// Start follows the signed-in user's transactions and switches the
// subscription on every auth change. A sign-out leaves the list empty.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	if d.closed || d.cancel != nil {
		d.mu.Unlock()
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	unwatch := d.session.Watch(func(id session.Identity, signedIn bool) {
		userID := ""
		if signedIn {
			userID = id.UserID
		}
		if ctx.Err() != nil {
			return
		}
		d.form.BeginCreate(core.Income)
		d.stream.Follow(ctx, userID)
		d.logger.Debug("Dashboard following user", applog.FieldUserID, userID)
	})

	d.mu.Lock()
	d.unwatch = unwatch
	d.mu.Unlock()
}

// Close stops the subscription and runs the OnClose hooks. The dashboard
// cannot be restarted, and no further views are pushed.
func (d *Dashboard) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel, unwatch := d.cancel, d.unwatch
	hooks := make([]func(), 0, len(d.onClose))
	for _, fn := range d.onClose {
		hooks = append(hooks, fn)
	}
	d.onClose = nil
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if unwatch != nil {
		unwatch()
	}
	if cancel != nil {
		cancel()
	}
	d.stream.Stop()
}

// View assembles the current screen state.
func (d *Dashboard) View() View {
	return d.compose(d.stream.View())
}

// OnUpdate calls fn with a fresh View after every list change until the
// dashboard is closed.
func (d *Dashboard) OnUpdate(fn func(View)) (remove func()) {
	return d.stream.OnUpdate(func(sv stream.View) {
		if d.isClosed() {
			return
		}
		fn(d.compose(sv))
	})
}

// OnClose registers fn to run once when the dashboard closes. On an
// already closed dashboard fn runs immediately.
func (d *Dashboard) OnClose(fn func()) (remove func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		fn()
		return func() {}
	}
	if d.onClose == nil {
		d.onClose = make(map[uint64]func())
	}
	key := d.nextID
	d.nextID++
	d.onClose[key] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.onClose, key)
		d.mu.Unlock()
	}
}

func (d *Dashboard) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dashboard) compose(sv stream.View) View {
	v := View{
		Live:         sv.Live,
		Transactions: sv.Transactions,
		Cards:        core.Cards(d.currency, sv.Transactions),
		Summary:      sv.Summary,
		Insights:     core.NewInsights(d.currency, sv.Summary),
		Form:         d.form.Form(),
	}
	if v.Transactions == nil {
		v.Transactions = []core.Transaction{}
	}
	if id, ok := d.session.Identity(); ok {
		v.SignedIn = true
		v.UserID = id.UserID
		v.Name = id.Name
	}
	return v
}
