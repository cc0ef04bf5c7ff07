// Package reaper terminates idle sessions and removes sessions whose record
// and workload have drifted apart.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"collabmgr/services/idletime"
	"collabmgr/services/sessions"
)

var (
	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_reaper_sessions_reaped_total",
		Help: "Sessions terminated because their idle alert fired.",
	})
	reapFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_reaper_failures_total",
		Help: "Sessions the reaper failed to terminate.",
	})
)

// AlertSource lists sessions with firing idle alerts.
type AlertSource interface {
	FiringIdleAlerts(ctx context.Context) ([]idletime.Sample, error)
	FiringWarningAlerts(ctx context.Context) ([]idletime.Sample, error)
}

// Terminator ends sessions. *sessions.Manager implements it.
type Terminator interface {
	Reap(ctx context.Context, id string) error
	MarkAlerted(ctx context.Context, id string) (bool, error)
}

// Result summarises one pass.
type Result struct {
	Alerts int
	Reaped int
	Failed int
	Warned int
}

// Reaper terminates sessions whose idle alert fires.
type Reaper struct {
	alerts     AlertSource
	terminator Terminator
	logger     zerolog.Logger
}

func New(alerts AlertSource, terminator Terminator, logger zerolog.Logger) (*Reaper, error) {
	if alerts == nil {
		return nil, errors.New("alert source is required")
	}
	if terminator == nil {
		return nil, errors.New("terminator is required")
	}
	return &Reaper{
		alerts:     alerts,
		terminator: terminator,
		logger:     logger.With().Str("component", "reaper").Logger(),
	}, nil
}

// RunOnce fetches the firing alerts and acts on them. If any alert query
// fails nothing is applied. Failures for single sessions are logged and
// counted; the rest of the batch still runs.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	idle, err := r.alerts.FiringIdleAlerts(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("fetch idle alerts, skipping pass")
		return Result{}, fmt.Errorf("fetch idle alerts: %w", err)
	}
	warnings, err := r.alerts.FiringWarningAlerts(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("fetch idle warning alerts, skipping pass")
		return Result{}, fmt.Errorf("fetch idle warning alerts: %w", err)
	}

	res := Result{Alerts: len(idle)}
	reaped := make(map[string]bool, len(idle))
	for _, alert := range idle {
		if reaped[alert.SessionID] {
			continue
		}
		reaped[alert.SessionID] = true

		if err := r.terminator.Reap(ctx, alert.SessionID); err != nil {
			res.Failed++
			reapFailures.Inc()
			r.logger.Error().Err(err).Str("session_id", alert.SessionID).Msg("terminate idle session")
			continue
		}
		res.Reaped++
		reapedTotal.Inc()
		r.logger.Info().Str("session_id", alert.SessionID).Float64("idle_alert_value", alert.Value).Msg("idle session terminated")
	}

	for _, alert := range warnings {
		if reaped[alert.SessionID] {
			continue
		}
		first, err := r.terminator.MarkAlerted(ctx, alert.SessionID)
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			continue
		case err != nil:
			r.logger.Error().Err(err).Str("session_id", alert.SessionID).Msg("flag idle session")
			continue
		case first:
			res.Warned++
			r.logger.Info().Str("session_id", alert.SessionID).Msg("idle warning sent")
		}
	}

	return res, nil
}

// Run calls RunOnce every interval until ctx is cancelled. Pass errors are
// retried on the next tick.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := r.RunOnce(ctx); err == nil && (res.Reaped > 0 || res.Failed > 0 || res.Warned > 0) {
			r.logger.Info().Int("reaped", res.Reaped).Int("failed", res.Failed).Int("warned", res.Warned).Msg("reaper pass finished")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
