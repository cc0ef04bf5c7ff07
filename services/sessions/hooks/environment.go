package hooks

import (
	"context"
	"regexp"
	"strings"

	"collabmgr/services/sessions"
)

var placeholder = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// Environment adds the session identity variables and expands {NAME}
// placeholders in the tool environment against the variables collected so far.
type Environment struct {
	BaseURL string
}

func (Environment) Name() string { return "environment" }

func (h Environment) Configure(_ context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	env := map[string]string{
		"SESSION_OWNER": req.Owner,
		"SESSION_TOOL":  req.Tool.ID,
		"SESSION_PATH":  "/session/" + req.SessionID,
	}
	if h.BaseURL != "" {
		env["SESSION_URL"] = strings.TrimRight(h.BaseURL, "/") + env["SESSION_PATH"] + "/"
	}
	if req.ProjectID != nil {
		env["PROJECT_ID"] = *req.ProjectID
	}

	lookup := func(name string) (string, bool) {
		if v, ok := env[name]; ok {
			return v, true
		}
		v, ok := req.Environment[name]
		return v, ok
	}
	for k, v := range req.Environment {
		expanded := placeholder.ReplaceAllStringFunc(v, func(m string) string {
			if val, ok := lookup(m[1 : len(m)-1]); ok {
				return val
			}
			return m
		})
		if expanded != v {
			env[k] = expanded
		}
	}

	return sessions.HookResult{Environment: env}, nil
}
