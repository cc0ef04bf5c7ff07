package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"collabmgr/services/files"
	"collabmgr/services/sessions"
)

var errFilesDisabled = errors.New("file transfer is not configured")

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessions.Request
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Owner = userFrom(r.Context())

	s, warnings, err := a.sessions.CreateSession(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	respondJSON(w, http.StatusCreated, map[string]any{"session": s, "warnings": warnings})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.sessions.ListSessions(r.Context(), userFrom(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []sessions.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.ownedSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session": s})
}

func (a *API) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := a.ownedSession(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.sessions.TerminateSession(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleConnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := a.ownedSession(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	info, err := a.sessions.ConnectSession(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (a *API) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if a.files == nil {
		respondError(w, http.StatusNotImplemented, errFilesDisabled)
		return
	}
	var req struct {
		Files []struct {
			Name    string `json:"name"`
			Mode    int64  `json:"mode"`
			Content []byte `json:"content"`
		} `json:"files"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Files) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("files are required"))
		return
	}

	id := chi.URLParam(r, "sessionID")
	if _, err := a.ownedSession(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}

	entries := make([]files.Entry, 0, len(req.Files))
	for _, f := range req.Files {
		entries = append(entries, files.Entry{Name: f.Name, Mode: f.Mode, Data: f.Content})
	}
	if err := a.files.Upload(r.Context(), id, entries); err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"uploaded": len(entries)})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if a.files == nil {
		respondError(w, http.StatusNotImplemented, errFilesDisabled)
		return
	}
	var req struct {
		Dir string `json:"dir"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}

	id := chi.URLParam(r, "sessionID")
	if _, err := a.ownedSession(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	out, err := a.files.Export(r.Context(), id, req.Dir)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"export": out})
}

// ownedSession hides sessions of other users behind ErrSessionNotFound.
func (a *API) ownedSession(ctx context.Context, id string) (sessions.Session, error) {
	s, err := a.sessions.GetSession(ctx, id)
	if err != nil {
		return sessions.Session{}, err
	}
	if s.Owner != userFrom(ctx) {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return s, nil
}
