// Package sessions launches, inspects, and terminates interactive tool
// sessions. Every session is backed by exactly one orchestrator workload that
// carries the session ID as its name.
package sessions

import (
	"errors"
	"fmt"
	"time"
)

// Type is the kind of workspace a session gets.
type Type string

const (
	TypePersistent Type = "persistent"
	TypeReadonly   Type = "readonly"
)

// Session is the persisted record of a session plus the live fields derived on read.
type Session struct {
	ID               string            `json:"id"`
	Owner            string            `json:"owner"`
	ToolID           string            `json:"tool_id"`
	ToolVersion      string            `json:"tool_version"`
	Type             Type              `json:"type"`
	ConnectionMethod string            `json:"connection_method"`
	ProjectID        *string           `json:"project_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Environment      map[string]string `json:"-"`
	Config           map[string]any    `json:"-"`
	Alerted          bool              `json:"alerted"`

	// Derived on read, never persisted.
	State       string   `json:"state,omitempty"`
	IdleMinutes *float64 `json:"idle_minutes,omitempty"`
	LastSeen    string   `json:"last_seen,omitempty"`
}

// ConnectionInfo tells a client how to reach a session.
type ConnectionInfo struct {
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

var ErrSessionNotFound = errors.New("session not found")

// ValidationError wraps a malformed request.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid session request: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// UnsupportedSessionTypeError is returned when a tool cannot run as the requested session type.
type UnsupportedSessionTypeError struct {
	ToolID string
	Type   Type
}

func (e *UnsupportedSessionTypeError) Error() string {
	return fmt.Sprintf("tool %s does not support %s sessions", e.ToolID, e.Type)
}

// UnsupportedConnectionMethodError is returned when the requested connection
// method is not offered for the session type.
type UnsupportedConnectionMethodError struct {
	ToolID string
	Method string
}

func (e *UnsupportedConnectionMethodError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("tool %s has no connection method for this session type", e.ToolID)
	}
	return fmt.Sprintf("connection method %s is not available for tool %s", e.Method, e.ToolID)
}

// WorkspaceMountingNotAllowedError is raised by a configuration hook when the
// tool forbids persistent workspace volumes.
type WorkspaceMountingNotAllowedError struct {
	ToolID string
}

func (e *WorkspaceMountingNotAllowedError) Error() string {
	return fmt.Sprintf("mounting the persistent workspace is not allowed for tool %s", e.ToolID)
}
