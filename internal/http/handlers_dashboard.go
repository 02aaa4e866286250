package http

import (
	"net/http"

	"tracker/internal/core"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(dashboardFrom(r.Context()).View()).Write(w)
}

// handleBeginCreate resets the form to create mode with the given type.
// An omitted type means income.
func (s *Server) handleBeginCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	t := core.Income
	if raw := p.Get("type"); raw != "" {
		parsed, err := core.ParseTxType(raw)
		if err != nil {
			ErrorFor(err).Write(w)
			return
		}
		t = parsed
	}
	form := dashboardFrom(r.Context()).Form()
	form.BeginCreate(t)
	NewJSONResponse().JSON(form.Form()).Write(w)
}

// handleBeginEdit loads a transaction from the live list into the form.
func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request) {
	d := dashboardFrom(r.Context())
	id := r.PathValue("id")
	for _, tx := range d.View().Transactions {
		if tx.ID == id {
			d.Form().BeginEdit(tx)
			NewJSONResponse().JSON(d.Form().Form()).Write(w)
			return
		}
	}
	NotFoundError("transaction not found").Write(w)
}

// handleUpdateForm applies the fields present in the body.
func (s *Server) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	p, ok := parseBody(w, r)
	if !ok {
		return
	}
	var txType core.TxType
	if p.Has("type") {
		parsed, err := core.ParseTxType(p.Get("type"))
		if err != nil {
			ErrorFor(err).Write(w)
			return
		}
		txType = parsed
	}

	form := dashboardFrom(r.Context()).Form()
	if p.Has("description") {
		form.SetDescription(p.Get("description"))
	}
	if p.Has("amount") {
		form.SetAmount(p.Get("amount"))
	}
	if txType != "" {
		form.SetType(txType)
	}
	NewJSONResponse().JSON(form.Form()).Write(w)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	form := dashboardFrom(r.Context()).Form()
	if err := form.Submit(r.Context()); err != nil {
		ErrorFor(err).Write(w)
		return
	}
	NewJSONResponse().JSON(form.Form()).Write(w)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	d := dashboardFrom(r.Context())
	if err := d.Form().Remove(r.Context(), r.PathValue("id")); err != nil {
		ErrorFor(err).Write(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
