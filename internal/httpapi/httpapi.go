// Package httpapi exposes the find-or-create and upsert pipeline over HTTP.
//
// Routes:
//
//	GET  /v1/kinds                          registered schemas
//	POST /v1/records/{kind}/find            lookup only
//	POST /v1/records/{kind}/find-or-create  lookup, insert when absent
//	POST /v1/records/{kind}/upsert          lookup, merge or insert
//
// Request bodies are {"record": {...}, "by": ["field", ...]}. Without "by"
// the record's primary key is the selector. Responses carry the resulting
// record and what happened to it.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/recordkit/internal/observe"
	"github.com/MrWong99/recordkit/internal/resilience"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// Outcome values reported in responses.
const (
	OutcomeFound    = "found"
	OutcomeNotFound = "not_found"
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
)

// Request is the body of every record route.
type Request struct {
	Record map[string]any `json:"record"`
	By     []string       `json:"by,omitempty"`
}

// Response is the success body of every record route.
type Response struct {
	Outcome string        `json:"outcome"`
	Record  record.Record `json:"record"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the record routes.
type Handler struct {
	pipeline *upsert.Pipeline
	reg      *record.Registry
}

// New returns a handler running requests through p. Record kinds are
// resolved against reg.
func New(p *upsert.Pipeline, reg *record.Registry) *Handler {
	return &Handler{pipeline: p, reg: reg}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/kinds", h.kinds)
	mux.HandleFunc("POST /v1/records/{kind}/find", h.find)
	mux.HandleFunc("POST /v1/records/{kind}/find-or-create", h.findOrCreate)
	mux.HandleFunc("POST /v1/records/{kind}/upsert", h.upsert)
}

func (h *Handler) kinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Schemas())
}

func (h *Handler) find(w http.ResponseWriter, r *http.Request) {
	rec, by, ok := h.decode(w, r)
	if !ok {
		return
	}
	out := h.lookup(r, rec, by)
	got, err := out.Result()
	if err != nil {
		writeError(w, r, err)
		return
	}
	outcome := OutcomeNotFound
	if out.Found() {
		outcome = OutcomeFound
	}
	writeJSON(w, http.StatusOK, Response{Outcome: outcome, Record: got})
}

func (h *Handler) findOrCreate(w http.ResponseWriter, r *http.Request) {
	rec, by, ok := h.decode(w, r)
	if !ok {
		return
	}
	out := h.lookup(r, rec, by)
	got, err := h.pipeline.OrCreate(r.Context(), out)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out.Found() {
		writeJSON(w, http.StatusOK, Response{Outcome: OutcomeFound, Record: got})
		return
	}
	writeJSON(w, http.StatusCreated, Response{Outcome: OutcomeCreated, Record: got})
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	rec, by, ok := h.decode(w, r)
	if !ok {
		return
	}
	out := h.lookup(r, rec, by)
	got, err := h.pipeline.UpdateOrInsert(r.Context(), out)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out.Found() {
		writeJSON(w, http.StatusOK, Response{Outcome: OutcomeUpdated, Record: got})
		return
	}
	writeJSON(w, http.StatusCreated, Response{Outcome: OutcomeCreated, Record: got})
}

// lookup runs FindBy when selectors were given and Find otherwise.
func (h *Handler) lookup(r *http.Request, rec record.Record, by upsert.Selectors) upsert.Outcome {
	if by == nil {
		return h.pipeline.Find(r.Context(), rec)
	}
	return h.pipeline.FindBy(r.Context(), rec, by)
}

// decode parses the body into a record of the path's kind. It writes the
// error response itself and reports whether the caller should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (record.Record, upsert.Selectors, bool) {
	schema, err := h.reg.Lookup(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: decode body: %w", errBadRequest, err))
		return nil, nil, false
	}

	rec, err := schema.New(req.Record)
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	var by upsert.Selectors
	if req.By != nil {
		by = upsert.By(req.By...)
	}
	return rec, by, true
}

var errBadRequest = errors.New("bad request")

// statusOf maps pipeline and record errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, upsert.ErrAmbiguousMatch), errors.Is(err, upsert.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, upsert.ErrMissingSelectors),
		errors.Is(err, upsert.ErrInvalidRecord),
		errors.Is(err, record.ErrUnknownField),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrUnknownKind):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	observe.Logger(r.Context()).Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"status", status,
		"err", err,
	)
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
