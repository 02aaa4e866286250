package dashboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tracker/internal/core"
	applog "tracker/internal/log"
	"tracker/internal/session"
	"tracker/internal/store/memory"
	"tracker/internal/stream"
)

func newAuth() *session.Authenticator {
	return session.NewAuthenticator(session.NewMemoryUsers(), session.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, applog.Discard())
}

var opts = Options{Currency: "Rs.", Policy: stream.NoResubscribe}

func TestDashboardFollowsAuthState(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()

	d := New("s1", st, newAuth(), opts, applog.Discard())
	d.Start(ctx)
	defer d.Close()

	v := d.View()
	assert.False(t, v.SignedIn)
	assert.Empty(t, v.Transactions)

	tok, err := d.Session().SignUp(ctx, "hana@example.com", "secret1", "secret1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.View().Live }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hana", d.View().Name)

	d.Form().BeginCreate(core.Income)
	d.Form().SetDescription("Salary")
	d.Form().SetAmount("2500")
	require.NoError(t, d.Form().Submit(ctx))

	require.Eventually(t, func() bool { return len(d.View().Transactions) == 1 }, time.Second, 5*time.Millisecond)
	v = d.View()
	assert.Equal(t, tok.Identity.UserID, v.Transactions[0].OwnerID)
	assert.Equal(t, "Rs. 2,500.00", v.Insights.Balance)
	assert.Equal(t, "+ Rs. 2,500.00", v.Cards[0].Label)
	assert.Equal(t, "Excellent Spending Control!", v.Insights.Message)

	require.NoError(t, d.Session().SignOut(ctx))
	v = d.View()
	assert.False(t, v.SignedIn)
	assert.Empty(t, v.Transactions)
	assert.Equal(t, 0, st.Feed().Subscribers(tok.Identity.UserID))
}

func TestDashboardPushesViews(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()

	d := New("s2", st, newAuth(), opts, applog.Discard())
	views := make(chan View, 16)
	remove := d.OnUpdate(func(v View) {
		select {
		case views <- v:
		default:
		}
	})
	defer remove()

	d.Start(ctx)
	defer d.Close()
	_, err := d.Session().SignUp(ctx, "ivan@example.com", "secret1", "secret1")
	require.NoError(t, err)

	select {
	case v := <-views:
		assert.True(t, v.SignedIn)
		assert.NotNil(t, v.Transactions)
	case <-time.After(time.Second):
		t.Fatal("no view pushed after sign-up")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	st := memory.New()
	defer st.Close()

	d := New("s3", st, newAuth(), opts, applog.Discard())
	d.Start(context.Background())
	d.Close()
	d.Close()
	d.Start(context.Background())
	assert.False(t, d.View().Live)
}

func TestRegistryResumeAndRelease(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()
	auth := newAuth()

	r := NewRegistry(st, auth, opts, 10, time.Hour, applog.Discard())
	defer r.CloseAll()

	d := r.Open(ctx)
	tok, err := d.Session().SignUp(ctx, "jo@example.com", "secret1", "secret1")
	require.NoError(t, err)
	r.Register(tok.Identity.TokenID, d)

	got, err := r.Resume(ctx, tok.Value)
	require.NoError(t, err)
	assert.Same(t, d, got)

	r.Release(tok.Identity.TokenID)
	assert.Equal(t, 0, r.Len())

	rebuilt, err := r.Resume(ctx, tok.Value)
	require.NoError(t, err)
	assert.NotSame(t, d, rebuilt)
	assert.Equal(t, tok.Identity.UserID, rebuilt.Session().CurrentUserID())

	_, err = r.Resume(ctx, "bogus")
	assert.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestRegistryEvictionClosesDashboard(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()
	auth := newAuth()

	r := NewRegistry(st, auth, opts, 1, time.Hour, applog.Discard())
	defer r.CloseAll()

	first := r.Open(ctx)
	tok, err := first.Session().SignUp(ctx, "kim@example.com", "secret1", "secret1")
	require.NoError(t, err)
	r.Register(tok.Identity.TokenID, first)
	require.Eventually(t, func() bool { return first.View().Live }, time.Second, 5*time.Millisecond)

	second := r.Open(ctx)
	r.Register("other", second)

	assert.Equal(t, 1, r.Len())
	assert.False(t, first.View().Live)
	assert.Equal(t, 0, st.Feed().Subscribers(tok.Identity.UserID))
}

func TestRegistryConcurrentResumeBuildsOneDashboard(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()
	auth := newAuth()
	r := NewRegistry(st, auth, opts, 10, time.Hour, applog.Discard())

	d := r.Open(ctx)
	tok, err := d.Session().SignUp(ctx, "lou@example.com", "secret1", "secret1")
	require.NoError(t, err)
	r.Register(tok.Identity.TokenID, d)
	r.Release(tok.Identity.TokenID)

	const callers = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]*Dashboard, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			d, err := r.Resume(ctx, tok.Value)
			assert.NoError(t, err)
			got[i] = d
		}(i)
	}
	close(start)
	wg.Wait()

	for _, d := range got[1:] {
		assert.Same(t, got[0], d)
	}
	assert.Equal(t, 1, r.Len())
	require.Eventually(t, func() bool { return st.Feed().Subscribers(tok.Identity.UserID) == 1 }, time.Second, 5*time.Millisecond)

	r.CloseAll()
	require.Eventually(t, func() bool { return st.Feed().Subscribers(tok.Identity.UserID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryRegisterClosesReplacedDashboard(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()
	r := NewRegistry(st, newAuth(), opts, 10, time.Hour, applog.Discard())
	defer r.CloseAll()

	first := r.Open(ctx)
	closed := make(chan struct{})
	first.OnClose(func() { close(closed) })
	r.Register("sess", first)

	second := r.Open(ctx)
	r.Register("sess", second)
	r.Register("sess", second)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("replaced dashboard was not closed")
	}
	assert.Equal(t, 1, r.Len())
	assert.False(t, second.isClosed())
}

func TestRegistryTouchKeepsWatchedDashboard(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()
	r := NewRegistry(st, newAuth(), opts, 10, 100*time.Millisecond, applog.Discard())
	defer r.CloseAll()

	d := r.Open(ctx)
	tok, err := d.Session().SignUp(ctx, "max@example.com", "secret1", "secret1")
	require.NoError(t, err)
	r.Register(tok.Identity.TokenID, d)
	require.Eventually(t, func() bool { return d.View().Live }, time.Second, 5*time.Millisecond)

	var (
		mu   sync.Mutex
		last View
	)
	remove := d.OnUpdate(func(v View) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer remove()

	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, r.Touch(d))
		r.Cleaner().CleanExpired()
	}
	assert.Equal(t, 1, r.Len())

	d.Form().BeginCreate(core.Expense)
	d.Form().SetDescription("Rent")
	d.Form().SetAmount("900")
	require.NoError(t, d.Form().Submit(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Transactions) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, r.Cleaner().CleanExpired())
	assert.False(t, r.Touch(d))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, last.Transactions, 1, "closing must not push an emptied view")
}

func TestOnCloseRunsOnce(t *testing.T) {
	st := memory.New()
	defer st.Close()
	d := New("s4", st, newAuth(), opts, applog.Discard())
	d.Start(context.Background())

	calls := 0
	d.OnClose(func() { calls++ })
	removed := d.OnClose(func() { calls += 10 })
	removed()

	d.Close()
	d.Close()
	assert.Equal(t, 1, calls)

	d.OnClose(func() { calls++ })
	assert.Equal(t, 2, calls)
}
