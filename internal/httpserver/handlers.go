package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"apptnotify/internal/domain"
	"apptnotify/internal/store"
)

type PassRunner interface {
	RunPass(ctx context.Context, now time.Time) (domain.PassResult, error)
}

type RecordReader interface {
	RecordsForAppointment(ctx context.Context, appointmentID string) (map[string]store.DispatchRecord, error)
}

type API struct {
	Engine  PassRunner
	Records RecordReader
	Now     func() time.Time
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/passes/run", a.handleRunPass).Methods(http.MethodPost)
	mux.HandleFunc("/v1/appointments/{id}/dispatches", a.handleGetDispatches).Methods(http.MethodGet)
}

// handleRunPass runs one notification pass synchronously. Safe to call while
// the worker is also running; the dispatch guard dedups.
func (a *API) handleRunPass(w http.ResponseWriter, r *http.Request) {
	res, err := a.Engine.RunPass(r.Context(), a.Now())
	if err != nil {
		slog.Error("pass run failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (a *API) handleGetDispatches(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	recs, err := a.Records.RecordsForAppointment(r.Context(), id)
	if err != nil {
		slog.Error("get dispatch records failed", "err", err, "appointment_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if len(recs) == 0 {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}
