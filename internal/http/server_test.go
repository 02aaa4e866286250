package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tracker/internal/core"
	"tracker/internal/dashboard"
	applog "tracker/internal/log"
	"tracker/internal/middleware/ratelimit"
	"tracker/internal/reconciler"
	"tracker/internal/session"
	"tracker/internal/store"
	"tracker/internal/store/memory"
	"tracker/internal/stream"
)

type testServer struct {
	srv      *Server
	registry *dashboard.Registry
}

func newTestServer(t *testing.T, ready func(context.Context) error, opts Options) *testServer {
	t.Helper()
	return newTestServerIdle(t, ready, opts, time.Hour)
}

func newTestServerIdle(t *testing.T, ready func(context.Context) error, opts Options, idle time.Duration) *testServer {
	t.Helper()
	st := memory.New()
	auth := session.NewAuthenticator(session.NewMemoryUsers(), session.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, applog.Discard())
	reg := dashboard.NewRegistry(st, auth, dashboard.Options{Currency: "Rs.", Policy: stream.NoResubscribe}, 50, idle, applog.Discard())
	srv := NewServer(":0", reg, ready, opts, applog.Discard())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		reg.CloseAll()
		_ = st.Close()
	})
	return &testServer{srv: srv, registry: reg}
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) signUp(t *testing.T, email string) string {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/auth/signup", "",
		fmt.Sprintf(`{"email":%q,"password":"secret1","confirm_password":"secret1"}`, email))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp authResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (ts *testServer) view(t *testing.T, token string) dashboard.View {
	t.Helper()
	rr := ts.do(t, http.MethodGet, "/api/dashboard", token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var v dashboard.View
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	down := newTestServer(t, func(context.Context) error { return errors.New("db gone") }, DefaultOptions())
	rr := down.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreateEditDeleteFlow(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	token := ts.signUp(t, "ana@example.com")

	v := ts.view(t, token)
	assert.True(t, v.SignedIn)
	assert.Equal(t, "ana", v.Name)
	assert.Equal(t, core.Income, v.Form.Type)

	rr := ts.do(t, http.MethodPost, "/api/form/create", token, `{"type":"expense"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPatch, "/api/form", token, `{"description":"Groceries","amount":"42.50"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var form reconciler.Form
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &form))
	assert.True(t, form.CanSubmit)
	assert.Equal(t, core.Expense, form.Type)

	rr = ts.do(t, http.MethodPost, "/api/form/submit", token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &form))
	assert.Empty(t, form.Description)
	assert.Equal(t, core.Expense, form.Type)

	require.Eventually(t, func() bool { return len(ts.view(t, token).Transactions) == 1 }, time.Second, 10*time.Millisecond)
	tx := ts.view(t, token).Transactions[0]
	assert.Equal(t, core.Amount("42.5"), tx.Amount)

	rr = ts.do(t, http.MethodPost, "/api/form/edit/"+tx.ID, token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &form))
	assert.Equal(t, tx.ID, form.EditingID)
	assert.Equal(t, "Groceries", form.Description)

	ts.do(t, http.MethodPatch, "/api/form", token, `{"amount":"40"}`)
	rr = ts.do(t, http.MethodPost, "/api/form/submit", token, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Eventually(t, func() bool {
		txs := ts.view(t, token).Transactions
		return len(txs) == 1 && txs[0].Amount == "40" && txs[0].ID == tx.ID
	}, time.Second, 10*time.Millisecond)

	rr = ts.do(t, http.MethodDelete, "/api/transactions/"+tx.ID, token, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Eventually(t, func() bool { return len(ts.view(t, token).Transactions) == 0 }, time.Second, 10*time.Millisecond)
}

func TestFormErrors(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	token := ts.signUp(t, "bo@example.com")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"submit empty form", http.MethodPost, "/api/form/submit", "", http.StatusUnprocessableEntity},
		{"unknown type", http.MethodPost, "/api/form/create", `{"type":"gift"}`, http.StatusUnprocessableEntity},
		{"patch bad type", http.MethodPatch, "/api/form", `{"type":"gift"}`, http.StatusUnprocessableEntity},
		{"malformed json", http.MethodPatch, "/api/form", `{"amount":`, http.StatusBadRequest},
		{"edit unknown id", http.MethodPost, "/api/form/edit/nope", "", http.StatusNotFound},
		{"delete unknown id", http.MethodDelete, "/api/transactions/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodPut, "/api/form/submit", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}

	rr := ts.do(t, http.MethodPatch, "/api/form", token, `{"description":"Rent","amount":"0"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPost, "/api/form/submit", token, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, core.ErrInvalidAmount.Error(), body.Error)
	assert.Equal(t, "invalid", body.Code)
}

func TestAuthErrors(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	ts.signUp(t, "cy@example.com")

	rr := ts.do(t, http.MethodGet, "/api/dashboard", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	rr = ts.do(t, http.MethodGet, "/api/dashboard", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/signin", "", `{"email":"cy@example.com","password":"wrong1"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"cy@example.com","password":"secret1","confirm_password":"secret1"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/signup", "", `{"email":"dee@example.com","password":"abc","confirm_password":"abc"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/federated", "", `{"credential":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	before := ts.registry.Len()
	rr = ts.do(t, http.MethodPost, "/api/auth/signin", "", "email=cy%40example.com&password=secret1")
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, before+1, ts.registry.Len())
}

func TestSignOutRevokesToken(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	token := ts.signUp(t, "eve@example.com")
	assert.Equal(t, 1, ts.registry.Len())

	rr := ts.do(t, http.MethodPost, "/api/auth/signout", token, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, ts.registry.Len())

	rr = ts.do(t, http.MethodGet, "/api/dashboard", token, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimit = ratelimit.Config{RequestsPerWindow: 2, Window: time.Minute}
	ts := newTestServer(t, nil, opts)

	body := `{"email":"x@example.com","password":"secret1"}`
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodPost, "/api/auth/signin", "", body).Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, int64(1), ts.srv.RateLimiter().GetMetrics().TotalHits)
}

func TestMiddlewareHeadersAndProbes(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())

	rr := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(rr.Header().Get("X-Request-ID"), "req_"))

	rr = ts.do(t, http.MethodGet, "/wp-admin/setup.php", "", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrEmptyDescription, http.StatusUnprocessableEntity},
		{fmt.Errorf("update transaction: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrPermissionDenied, http.StatusForbidden},
		{reconciler.ErrSubmitInFlight, http.StatusConflict},
		{reconciler.ErrDeleteInFlight, http.StatusConflict},
		{reconciler.ErrNotAuthenticated, http.StatusUnauthorized},
		{fmt.Errorf("resume session: %w", session.ErrInvalidToken), http.StatusUnauthorized},
		{errors.New("connection reset"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}

	rr := httptest.NewRecorder()
	ErrorFor(fmt.Errorf("create transaction: %w", errors.New("disk I/O error"))).Write(rr)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk")
}

func TestLiveSocketPushesViews(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	hs := httptest.NewServer(ts.srv.Handler)
	defer hs.Close()
	token := ts.signUp(t, "fay@example.com")

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + liveRoute + "?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	next := func() dashboard.View {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var v dashboard.View
		require.NoError(t, json.Unmarshal(msg, &v))
		return v
	}

	first := next()
	assert.True(t, first.SignedIn)

	ts.do(t, http.MethodPatch, "/api/form", token, `{"description":"Salary","amount":"1000"}`)
	rr := ts.do(t, http.MethodPost, "/api/form/submit", token, "")
	require.Equal(t, http.StatusOK, rr.Code)

	for {
		v := next()
		if len(v.Transactions) == 1 {
			assert.Equal(t, "Salary", v.Transactions[0].Description)
			assert.Equal(t, "Rs. 1,000.00", v.Insights.Income)
			break
		}
	}

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+liveRoute, nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

// liveReader keeps reading a socket so control frames are answered, and
// forwards views and the terminal error.
type liveReader struct {
	views chan dashboard.View
	done  chan error
}

func readLive(conn *websocket.Conn) *liveReader {
	lr := &liveReader{views: make(chan dashboard.View, 32), done: make(chan error, 1)}
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				lr.done <- err
				return
			}
			var v dashboard.View
			if json.Unmarshal(msg, &v) == nil {
				lr.views <- v
			}
		}
	}()
	return lr
}

func dialLive(t *testing.T, hs *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + liveRoute + "?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
		conn.Close()
	})
	return conn
}

func TestLiveSocketKeepsIdleDashboardAlive(t *testing.T) {
	ts := newTestServerIdle(t, nil, DefaultOptions(), 150*time.Millisecond)
	ts.srv.live.Config.PingPeriod = 20 * time.Millisecond
	hs := httptest.NewServer(ts.srv.Handler)
	defer hs.Close()
	token := ts.signUp(t, "gus@example.com")

	lr := readLive(dialLive(t, hs, token))
	select {
	case v := <-lr.views:
		require.True(t, v.SignedIn)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial view")
	}

	time.Sleep(400 * time.Millisecond)
	ts.registry.Cleaner().CleanExpired()
	require.Equal(t, 1, ts.registry.Len(), "pongs should keep the dashboard registered")

	ts.do(t, http.MethodPatch, "/api/form", token, `{"description":"Coffee","amount":"4"}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/form/submit", token, "").Code)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-lr.views:
			if len(v.Transactions) == 1 {
				assert.Equal(t, "Coffee", v.Transactions[0].Description)
				return
			}
		case err := <-lr.done:
			t.Fatalf("socket closed: %v", err)
		case <-deadline:
			t.Fatal("no view with the new transaction")
		}
	}
}

func TestLiveSocketClosedWithDashboard(t *testing.T) {
	ts := newTestServer(t, nil, DefaultOptions())
	hs := httptest.NewServer(ts.srv.Handler)
	defer hs.Close()
	token := ts.signUp(t, "hal@example.com")

	lr := readLive(dialLive(t, hs, token))
	select {
	case <-lr.views:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial view")
	}

	ts.registry.CloseAll()

	select {
	case v := <-lr.views:
		t.Fatalf("unexpected view after close: %+v", v)
	case err := <-lr.done:
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("socket stayed open after its dashboard closed")
	}
}
