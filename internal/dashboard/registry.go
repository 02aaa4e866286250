package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tracker/internal/cache"
	applog "tracker/internal/log"
	"tracker/internal/session"
	"tracker/internal/store"
)

// Registry keeps one Dashboard per session token. Idle or surplus
// dashboards are evicted and closed.
type Registry struct {
	store      store.Store
	auth       *session.Authenticator
	opts       Options
	logger     *applog.Logger
	dashboards *cache.LRUCache[*Dashboard]
	restores   singleflight.Group
}

func NewRegistry(st store.Store, auth *session.Authenticator, opts Options, maxSessions int, idle time.Duration, logger *applog.Logger) *Registry {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	r := &Registry{
		store:  st,
		auth:   auth,
		opts:   opts,
		logger: logger.WithComponent(applog.ComponentDashboard),
	}
	r.dashboards = cache.NewLRUCache[*Dashboard](maxSessions, idle,
		cache.WithSlidingExpiry[*Dashboard](),
		cache.WithEvict(func(key string, d *Dashboard) {
			d.Close()
			r.logger.Debug("Dashboard closed", applog.FieldSessionID, key)
		}))
	return r
}

// Open creates a started dashboard with nobody signed in. It is not
// registered until Register is called with its session id.
func (r *Registry) Open(ctx context.Context) *Dashboard {
	d := New(uuid.NewString(), r.store, r.auth, r.opts, r.logger)
	d.Start(context.WithoutCancel(ctx))
	return d
}

// Register stores d under the id of the token it signed in with. A
// different dashboard already stored under that id is closed.
func (r *Registry) Register(sessionID string, d *Dashboard) {
	if old, ok := r.dashboards.Swap(sessionID, d); ok && old != d {
		old.Close()
	}
}

// Resume returns the dashboard for token, rebuilding it when it was
// evicted or the process restarted. Concurrent calls for one token share
// a single rebuild.
func (r *Registry) Resume(ctx context.Context, token string) (*Dashboard, error) {
	id, err := r.auth.Resume(ctx, token)
	if err != nil {
		return nil, err
	}
	if d, ok := r.dashboards.Get(id.TokenID); ok {
		return d, nil
	}

	v, err, _ := r.restores.Do(id.TokenID, func() (any, error) {
		if d, ok := r.dashboards.Get(id.TokenID); ok {
			return d, nil
		}
		ctx := context.WithoutCancel(ctx)
		d := r.Open(ctx)
		if err := d.Session().Resume(ctx, token); err != nil {
			d.Close()
			return nil, fmt.Errorf("resume session: %w", err)
		}
		r.Register(id.TokenID, d)
		r.logger.InfoContext(ctx, "Dashboard restored",
			applog.FieldUserID, id.UserID,
			applog.FieldSessionID, id.TokenID)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dashboard), nil
}

// Touch refreshes the idle deadline of d. It reports false when d is no
// longer the registered dashboard for its session.
func (r *Registry) Touch(d *Dashboard) bool {
	id, ok := d.Session().Identity()
	if !ok {
		return false
	}
	got, ok := r.dashboards.Get(id.TokenID)
	return ok && got == d
}

// Release closes and forgets the dashboard for sessionID.
func (r *Registry) Release(sessionID string) {
	r.dashboards.Delete(sessionID)
}

func (r *Registry) Len() int { return r.dashboards.Size() }

// Cleaner exposes the idle sweep to a cache.Manager.
func (r *Registry) Cleaner() cache.Cleaner { return r.dashboards }

// CloseAll closes every dashboard.
func (r *Registry) CloseAll() {
	r.dashboards.Purge()
}
