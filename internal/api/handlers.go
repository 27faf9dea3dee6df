package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/obsforge/calibra/internal/calerr"
	"github.com/obsforge/calibra/internal/index"
	"github.com/obsforge/calibra/internal/obs"
)

// observationRequest is the JSON form of an observation context.
type observationRequest struct {
	Header     map[string]interface{} `json:"header"`
	UserHeader map[string]interface{} `json:"user_header"`
}

func (o observationRequest) context() obs.Context {
	return obs.New(o.Header, o.UserHeader)
}

type calibrationResponse struct {
	Item   string                 `json:"item"`
	File   string                 `json:"file,omitempty"`
	Values map[string]interface{} `json:"values,omitempty"`
	List   []string               `json:"list,omitempty"`
	Empty  bool                   `json:"empty,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"session": s.engine.Session().String(),
	})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": s.engine.Items()})
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.engine.Get(item, req.context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, calibrationResponse{
		Item:   item,
		File:   res.File,
		Values: res.Values,
		List:   res.List,
		Empty:  res.IsZero(),
	})
}

type addEntryRequest struct {
	observationRequest
	Key    string                 `json:"key"`
	Values map[string]interface{} `json:"values"`
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	var req addEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.engine.AddEntry(item, req.context(), index.Entry{Key: req.Key, Values: req.Values})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"key": req.Key})
}

func (s *Server) handleTau(w http.ResponseWriter, r *http.Request) {
	filter := chi.URLParam(r, "filter")
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	value, err := s.tau.TauForFilter(req.context(), filter)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"filter": filter,
		"system": s.tau.System().String(),
		"tau":    value,
	})
}

func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	type selectionJSON struct {
		Session string    `json:"session"`
		Item    string    `json:"item"`
		Key     string    `json:"key,omitempty"`
		Outcome string    `json:"outcome"`
		At      time.Time `json:"at"`
	}
	selections := s.engine.Selections()
	out := make([]selectionJSON, len(selections))
	for i, sel := range selections {
		out[i] = selectionJSON{
			Session: sel.Session.String(),
			Item:    sel.Item,
			Key:     sel.Key,
			Outcome: sel.Outcome,
			At:      sel.At,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"selections": out})
}

// statusFor maps the calibration error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var lookupErr calerr.LookupError
	var overrideErr calerr.OverrideRejectedError
	var domainErr calerr.DomainError
	switch {
	case errors.As(err, &lookupErr):
		return http.StatusNotFound
	case errors.As(err, &overrideErr):
		return http.StatusConflict
	case errors.As(err, &domainErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
