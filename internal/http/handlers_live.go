package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olahol/melody"

	"tracker/internal/dashboard"
	applog "tracker/internal/log"
)

const (
	liveRoute = "/api/live"

	keyDashboard = "dashboard"
	keyRemove    = "remove"
)

// newLive builds the websocket hub. Each socket gets the current view on
// connect and a fresh one after every list change. Pongs keep the
// dashboard registered; a closed dashboard closes its sockets so the
// client reconnects and resumes.
func (s *Server) newLive() *melody.Melody {
	logger := s.logger.WithComponent(applog.ComponentLive)

	m := melody.New()
	m.Config.MaxMessageSize = 512
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(ms *melody.Session) {
		v, _ := ms.Get(keyDashboard)
		d, ok := v.(*dashboard.Dashboard)
		if !ok {
			_ = ms.Close()
			return
		}
		push := func(view dashboard.View) {
			if ms.IsClosed() {
				return
			}
			msg, err := json.Marshal(view)
			if err != nil {
				logger.Error("Failed to encode view", applog.FieldError, err)
				return
			}
			if err := ms.Write(msg); err != nil {
				logger.Debug("Dropped live update", applog.FieldSessionID, d.ID(), applog.FieldError, err)
			}
		}
		stopUpdates := d.OnUpdate(push)
		stopClose := d.OnClose(func() {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session idle")
			_ = ms.CloseWithMsg(msg)
		})
		ms.Set(keyRemove, func() {
			stopUpdates()
			stopClose()
		})
		push(d.View())
		logger.Debug("Live socket connected", applog.FieldSessionID, d.ID())
	})

	m.HandlePong(func(ms *melody.Session) {
		v, _ := ms.Get(keyDashboard)
		if d, ok := v.(*dashboard.Dashboard); ok && !s.registry.Touch(d) {
			logger.Debug("Live socket outlived its dashboard", applog.FieldSessionID, d.ID())
			_ = ms.Close()
		}
	})

	m.HandleDisconnect(func(ms *melody.Session) {
		if v, ok := ms.Get(keyRemove); ok {
			if remove, ok := v.(func()); ok {
				remove()
			}
		}
	})

	m.HandleError(func(ms *melody.Session, err error) {
		logger.Debug("Live socket error", applog.FieldError, err)
	})

	return m
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	d := dashboardFrom(r.Context())
	err := s.live.HandleRequestWithKeys(w, r, map[string]any{keyDashboard: d})
	if err != nil {
		applog.FromContext(r.Context()).WarnContext(r.Context(), "Failed to upgrade websocket", applog.FieldError, err)
	}
}
