package sessions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"collabmgr/services/operator"
)

// PrepareContainer is the init container that clones readonly workspaces.
const PrepareContainer = "prepare-workspace"

var markerPattern = regexp.MustCompile(`(?m)^---(\w+)---\r?$`)

// IdleSource reports how many minutes a session has been idle. found is false
// when the metrics backend has no data point for the session.
type IdleSource interface {
	IdleMinutes(ctx context.Context, sessionID string) (minutes float64, found bool, err error)
}

// Reconciler merges session records with live orchestrator and metrics data.
// It only reads.
type Reconciler struct {
	operator operator.Operator
	idle     IdleSource
	logger   zerolog.Logger
}

// NewReconciler builds a Reconciler. idle may be nil, in which case idle time is always unknown.
func NewReconciler(op operator.Operator, idle IdleSource, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		operator: op,
		idle:     idle,
		logger:   logger.With().Str("component", "session-reconciler").Logger(),
	}
}

// Reconcile fills the derived fields of s. It never fails: anything that
// cannot be observed is reported as unknown.
func (r *Reconciler) Reconcile(ctx context.Context, s Session) Session {
	s.State = string(r.state(ctx, s))
	s.IdleMinutes, s.LastSeen = r.lastSeen(ctx, s.ID)
	return s
}

func (r *Reconciler) state(ctx context.Context, s Session) string {
	raw, err := r.operator.WorkloadState(ctx, s.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("workload state unavailable")
		return string(operator.StateUnknown)
	}

	if s.Type != TypeReadonly || (raw != operator.StateStarted && raw != operator.StateBackOff) {
		return string(raw)
	}

	token, err := r.lastMarker(ctx, s.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("inspect workspace preparation log")
		return string(raw)
	}
	if token == "" {
		return string(raw)
	}
	return token
}

func (r *Reconciler) lastMarker(ctx context.Context, id string) (token string, err error) {
	defer func() {
		if p := recover(); p != nil {
			token, err = "", fmt.Errorf("parse log: %v", p)
		}
	}()

	logs, err := r.operator.WorkloadLogs(ctx, id, PrepareContainer)
	if err != nil {
		return "", err
	}
	return LastMarker(logs), nil
}

// LastMarker returns the token of the last ---TOKEN--- line in logs, or "" if there is none.
func LastMarker(logs string) string {
	matches := markerPattern.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

func (r *Reconciler) lastSeen(ctx context.Context, id string) (*float64, string) {
	if r.idle == nil {
		return nil, "Unknown"
	}
	minutes, found, err := r.idle.IdleMinutes(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", id).Msg("idle time unavailable")
		return nil, "Unknown"
	}
	if !found {
		return nil, "Unknown"
	}
	return &minutes, FormatIdle(minutes)
}

// FormatIdle renders an idle time in minutes. -1 means the session was never connected to.
func FormatIdle(minutes float64) string {
	switch {
	case minutes == -1:
		return "Never connected"
	case minutes < 0:
		return "Unknown"
	case minutes > 60:
		return strings.TrimSuffix(fmt.Sprintf("%.1f", minutes/60), ".0") + " hours ago"
	default:
		return fmt.Sprintf("%d minutes ago", int(minutes))
	}
}
