package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collabmgr/services/operator"
	"collabmgr/services/sessions"
)

const defaultGrace = 10 * time.Minute

// Records gives the collector access to stored sessions.
type Records interface {
	SessionsByID(ctx context.Context) (map[string]sessions.Session, error)
	Reap(ctx context.Context, id string) error
}

// CollectResult summarises one garbage collection pass.
type CollectResult struct {
	OrphanWorkloads int
	StaleRecords    int
	Failed          int
}

// Collector removes session workloads that have no record and records whose
// workload is gone. Both sides get a grace period so that a session in the
// middle of being created is not collected.
type Collector struct {
	operator operator.Operator
	records  Records
	grace    time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func NewCollector(op operator.Operator, records Records, grace time.Duration, logger zerolog.Logger) (*Collector, error) {
	if op == nil {
		return nil, errors.New("operator is required")
	}
	if records == nil {
		return nil, errors.New("records are required")
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Collector{
		operator: op,
		records:  records,
		grace:    grace,
		now:      time.Now,
		logger:   logger.With().Str("component", "session-gc").Logger(),
	}, nil
}

// RunOnce performs a single collection pass.
func (c *Collector) RunOnce(ctx context.Context) (CollectResult, error) {
	workloads, err := c.operator.ListWorkloads(ctx, map[string]string{sessions.LabelComponent: sessions.ComponentName})
	if err != nil {
		return CollectResult{}, fmt.Errorf("list session workloads: %w", err)
	}
	records, err := c.records.SessionsByID(ctx)
	if err != nil {
		return CollectResult{}, fmt.Errorf("list session records: %w", err)
	}

	cutoff := c.now().Add(-c.grace)
	live := make(map[string]bool, len(workloads))
	var res CollectResult

	for _, w := range workloads {
		live[w.Name] = true
		if _, ok := records[w.Name]; ok || w.CreatedAt.After(cutoff) {
			continue
		}
		if err := c.records.Reap(ctx, w.Name); err != nil {
			res.Failed++
			c.logger.Error().Err(err).Str("session_id", w.Name).Msg("remove orphaned workload")
			continue
		}
		res.OrphanWorkloads++
		c.logger.Warn().Str("session_id", w.Name).Msg("removed workload without session record")
	}

	for id, s := range records {
		if live[id] || s.CreatedAt.After(cutoff) {
			continue
		}
		if err := c.records.Reap(ctx, id); err != nil {
			res.Failed++
			c.logger.Error().Err(err).Str("session_id", id).Msg("remove stale session record")
			continue
		}
		res.StaleRecords++
		c.logger.Warn().Str("session_id", id).Msg("removed session record without workload")
	}

	return res, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error().Err(err).Msg("session garbage collection")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
