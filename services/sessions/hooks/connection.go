package hooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"collabmgr/services/sessions"
	"collabmgr/services/tools"
)

const (
	remoteUser        = "techuser"
	envRemotePassword = "RMT_PASSWORD"
)

// Networking labels workloads so that network policies can select them.
type Networking struct{}

func (Networking) Name() string { return "networking" }

func (Networking) Configure(_ context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	return sessions.HookResult{
		Labels: map[string]string{
			"collab.session/type":       string(req.Type),
			"collab.session/tool":       sanitize(req.Tool.ID),
			"collab.network/ingress":    "session-proxy",
			"collab.network/connection": sanitize(req.ConnectionMethod.Type),
		},
	}, nil
}

// Connection resolves how a client reaches a session. HTTP tools are served
// behind the session proxy; remote desktop tools get a generated password.
type Connection struct {
	Catalog *tools.Catalog
	BaseURL string
}

func (Connection) Name() string { return "connection" }

func (h Connection) Configure(_ context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	if req.ConnectionMethod.Type != "guacamole" {
		return sessions.HookResult{}, nil
	}
	password, err := randomPassword()
	if err != nil {
		return sessions.HookResult{}, err
	}
	return sessions.HookResult{Environment: map[string]string{envRemotePassword: password}}, nil
}

func (h Connection) Connect(_ context.Context, s sessions.Session, info *sessions.ConnectionInfo) error {
	if h.Catalog == nil {
		return errors.New("tools catalog is required")
	}
	tool, err := h.Catalog.Tool(s.ToolID)
	if err != nil {
		return err
	}
	method, ok := tool.ConnectionMethod(string(s.Type), s.ConnectionMethod)
	if !ok {
		return &sessions.UnsupportedConnectionMethodError{ToolID: s.ToolID, Method: s.ConnectionMethod}
	}

	base := strings.TrimRight(h.BaseURL, "/")
	info.Type = method.Type
	switch method.Type {
	case "guacamole":
		password := s.Environment[envRemotePassword]
		if password == "" {
			return fmt.Errorf("session %s has no remote password", s.ID)
		}
		info.URL = fmt.Sprintf("%s/guacamole/#/client/%s", base, s.ID)
		info.Credentials["username"] = remoteUser
		info.Credentials["password"] = password
	default:
		info.URL = fmt.Sprintf("%s/session/%s%s", base, s.ID, method.Path)
	}
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
