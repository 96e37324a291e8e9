package http

import (
	"cmp"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

const defaultBodyLimit = 1 << 20

// readJSON decodes a body of at most limit bytes into T, rejecting unknown
// fields and trailing data. On failure the response is already written.
func readJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	if err == nil && dec.More() {
		err = errors.New("trailing data")
	}
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return v, true
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(limit, 10)+" bytes")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body is required")
	default:
		writeError(w, http.StatusBadRequest, "invalid request body")
	}
	return v, false
}

func urlParam(r *http.Request, name string) string { return chi.URLParam(r, name) }

// requireField answers 400 when value is empty.
func requireField(w http.ResponseWriter, value, field string) bool {
	if strings.TrimSpace(value) != "" {
		return true
	}
	writeError(w, http.StatusBadRequest, field+" is required")
	return false
}

// queryTime parses an RFC 3339 parameter; absent means the zero time.
func queryTime(r *http.Request, name string) (time.Time, error) {
	if s := r.URL.Query().Get(name); s != "" {
		return time.Parse(time.RFC3339, s)
	}
	return time.Time{}, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	if s := r.URL.Query().Get(name); s != "" {
		return strconv.Atoi(s)
	}
	return def, nil
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: message})
}

// writeDomainError maps err onto a status. notFound replaces the message of
// a not-found error; other client errors keep their own message.
func writeDomainError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, cmp.Or(notFound, err.Error()))
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
	case errors.Is(err, domain.ErrCollaborator):
		slog.Warn("collaborator failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
	default:
		writeInternalError(w, err)
	}
}

// writeInternalError logs err and answers with a generic message.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
