package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"collabmgr/services/files"
	"collabmgr/services/operator"
	"collabmgr/services/pipelines"
	"collabmgr/services/sessions"
	"collabmgr/services/tools"
)

const maxBodyBytes = 32 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		validation  *sessions.ValidationError
		unsupported *sessions.UnsupportedSessionTypeError
		method      *sessions.UnsupportedConnectionMethodError
		mounting    *sessions.WorkspaceMountingNotAllowedError
	)
	switch {
	case operator.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case operator.IsRejected(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &mounting):
		return http.StatusForbidden
	case errors.As(err, &unsupported), errors.As(err, &method), errors.Is(err, pipelines.ErrRunActive):
		return http.StatusConflict
	case errors.As(err, &validation), errors.Is(err, tools.ErrToolNotFound),
		errors.Is(err, tools.ErrVersionNotFound), errors.Is(err, files.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, pipelines.ErrPipelineNotFound), errors.Is(err, pipelines.ErrRunNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	respondError(w, status, err)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.New("valid " + name + " is required")
	}
	return id, nil
}
