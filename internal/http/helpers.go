package http

import (
	"context"
	"net/http"
	"strings"

	"tracker/internal/dashboard"
)

type contextKey string

const dashboardKey contextKey = "dashboard"

// sanitizeInput removes control characters except tab, newline and
// carriage return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// bearerToken extracts the session token from the Authorization header.
// Browsers cannot set headers on websocket upgrades, so the live endpoint
// also accepts ?access_token=.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.URL.Path == liveRoute {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func withDashboard(ctx context.Context, d *dashboard.Dashboard) context.Context {
	return context.WithValue(ctx, dashboardKey, d)
}

// dashboardFrom returns the dashboard resolved by requireSession.
func dashboardFrom(ctx context.Context) *dashboard.Dashboard {
	d, _ := ctx.Value(dashboardKey).(*dashboard.Dashboard)
	return d
}
