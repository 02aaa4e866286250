package http

import (
	"context"
	"net/http"
	"time"

	applog "tracker/internal/log"
	"tracker/internal/session"
)

type userBody struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userBody  `json:"user"`
}

func newAuthResponse(tok session.Token) authResponse {
	return authResponse{
		Token:     tok.Value,
		ExpiresAt: tok.Identity.ExpiresAt,
		User: userBody{
			ID:    tok.Identity.UserID,
			Email: tok.Identity.Email,
			Name:  tok.Identity.Name,
		},
	}
}

// signInFunc runs one of the provider's sign-in flows.
type signInFunc func(ctx context.Context, p *session.Provider) (session.Token, error)

// openSession creates a dashboard, signs it in and registers it under the
// new token. A failed sign-in closes the dashboard again.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request, status int, op string, signIn signInFunc) {
	ctx := r.Context()
	d := s.registry.Open(ctx)
	tok, err := signIn(ctx, d.Session())
	if err != nil {
		d.Close()
		logger := applog.FromContext(ctx)
		if StatusFor(err) == http.StatusBadGateway {
			logger.ErrorContext(ctx, "Sign-in failed", applog.FieldOperation, op, applog.FieldError, err)
		} else {
			logger.InfoContext(ctx, "Sign-in rejected", applog.FieldOperation, op, applog.FieldError, err)
		}
		ErrorFor(err).Write(w)
		return
	}
	s.registry.Register(tok.Identity.TokenID, d)
	NewJSONResponse().Status(status).JSON(newAuthResponse(tok)).Write(w)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	email, password, confirm := p.Get("email"), p.GetRaw("password"), p.GetRaw("confirm_password")
	s.openSession(w, r, http.StatusCreated, applog.OpSignUp, func(ctx context.Context, sp *session.Provider) (session.Token, error) {
		return sp.SignUp(ctx, email, password, confirm)
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	email, password := p.Get("email"), p.GetRaw("password")
	s.openSession(w, r, http.StatusOK, applog.OpSignIn, func(ctx context.Context, sp *session.Provider) (session.Token, error) {
		return sp.SignIn(ctx, email, password)
	})
}

func (s *Server) handleFederated(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	credential := p.Get("credential")
	s.openSession(w, r, http.StatusOK, applog.OpFederated, func(ctx context.Context, sp *session.Provider) (session.Token, error) {
		return sp.SignInWithFederated(ctx, credential)
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d := dashboardFrom(ctx)
	id, _ := d.Session().Identity()
	if err := d.Session().SignOut(ctx); err != nil {
		ErrorFor(err).Write(w)
		return
	}
	s.registry.Release(id.TokenID)
	w.WriteHeader(http.StatusNoContent)
}
