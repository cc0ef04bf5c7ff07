// Package scheduler keeps durable cron registrations for nightly pipeline
// runs and fires them on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSpec         = "0 3 * * *"
	DefaultMisfireGrace = time.Hour
	DefaultWorkers      = 4
	DefaultPoll         = 30 * time.Second
)

var (
	firesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_scheduler_fires_total",
		Help: "Scheduled pipeline firings handed to the runner.",
	})
	misfiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_scheduler_misfires_total",
		Help: "Firings dropped because they were later than the misfire grace period.",
	})
	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_scheduler_coalesced_total",
		Help: "Missed firings folded into a single run.",
	})
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RunFunc starts a run for a pipeline. It must not block on the run itself.
type RunFunc func(ctx context.Context, pipelineID string)

// Config controls the scheduler.
type Config struct {
	// Spec is a five field cron expression or a descriptor like @daily.
	Spec         string
	Location     *time.Location
	MisfireGrace time.Duration
	Workers      int
	Poll         time.Duration
}

// TickResult summarises one Tick.
type TickResult struct {
	Fired     int
	Coalesced int
	Dropped   int
}

// Scheduler fires registered jobs.
type Scheduler struct {
	store    Store
	run      RunFunc
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	grace    time.Duration
	workers  int
	poll     time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New validates cfg and returns a Scheduler.
func New(store Store, run RunFunc, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if run == nil {
		return nil, errors.New("run func is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	schedule, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", cfg.Spec, err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	return &Scheduler{
		store:    store,
		run:      run,
		spec:     cfg.Spec,
		schedule: schedule,
		loc:      cfg.Location,
		grace:    cfg.MisfireGrace,
		workers:  cfg.Workers,
		poll:     cfg.Poll,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}, nil
}

// Next returns the first firing strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Register adds the nightly job for pipelineID, replacing any existing one.
func (s *Scheduler) Register(ctx context.Context, pipelineID string) error {
	job := Job{ID: pipelineID, Spec: s.spec, NextRunAt: s.Next(s.now())}
	if err := s.store.Upsert(ctx, job); err != nil {
		return fmt.Errorf("register job %s: %w", pipelineID, err)
	}
	s.logger.Info().Str("pipeline_id", pipelineID).Time("next_run_at", job.NextRunAt).Msg("nightly job registered")
	return nil
}

// Deregister removes the job for pipelineID if there is one.
func (s *Scheduler) Deregister(ctx context.Context, pipelineID string) error {
	if err := s.store.Delete(ctx, pipelineID); err != nil {
		return fmt.Errorf("deregister job %s: %w", pipelineID, err)
	}
	s.logger.Info().Str("pipeline_id", pipelineID).Msg("nightly job removed")
	return nil
}

// Sync makes the registration match the pipeline's nightly flag. A job
// registered under another schedule is registered again.
func (s *Scheduler) Sync(ctx context.Context, pipelineID string, nightly bool) error {
	if !nightly {
		return s.Deregister(ctx, pipelineID)
	}
	job, err := s.store.Get(ctx, pipelineID)
	switch {
	case err == nil && job.Spec == s.spec:
		return nil
	case err == nil:
		s.logger.Info().Str("pipeline_id", pipelineID).Str("old_spec", job.Spec).Str("spec", s.spec).Msg("nightly schedule changed")
	case !errors.Is(err, ErrJobNotFound):
		return err
	}
	return s.Register(ctx, pipelineID)
}

// Jobs lists every registration.
func (s *Scheduler) Jobs(ctx context.Context) ([]Job, error) {
	return s.store.List(ctx)
}

// Tick fires every job that is due at now. Missed firings of one job are
// coalesced into a single run for the latest of them; that run is dropped
// when it is later than the misfire grace period. The next firing is stored
// before the run starts, so a crash never fires the same slot twice.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return TickResult{}, fmt.Errorf("list due jobs: %w", err)
	}

	var res TickResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, job := range due {
		latest, missed := s.latestFiring(job.NextRunAt, now)
		log := s.logger.With().Str("pipeline_id", job.ID).Time("scheduled_for", latest).Logger()

		if err := s.store.SetNextRun(ctx, job.ID, s.Next(now)); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			log.Error().Err(err).Msg("advance job")
			continue
		}

		if missed > 0 {
			res.Coalesced += missed
			coalescedTotal.Add(float64(missed))
			log.Warn().Int("missed", missed).Msg("coalescing missed firings")
		}

		if late := now.Sub(latest); late > s.grace {
			res.Dropped++
			misfiresTotal.Inc()
			log.Warn().Dur("late", late).Dur("grace", s.grace).Msg("firing dropped, misfire grace exceeded")
			continue
		}

		res.Fired++
		firesTotal.Inc()
		pipelineID := job.ID
		g.Go(func() error {
			s.run(gctx, pipelineID)
			return nil
		})
	}

	return res, g.Wait()
}

// latestFiring walks from the stored next run to the last firing at or
// before now. missed counts the firings skipped in between.
func (s *Scheduler) latestFiring(first, now time.Time) (time.Time, int) {
	latest, missed := first, 0
	for {
		next := s.Next(latest)
		if next.IsZero() || next.After(now) {
			return latest, missed
		}
		latest = next
		missed++
	}
}

// Start ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info().Str("spec", s.spec).Str("timezone", s.loc.String()).Msg("scheduler started")
	for {
		if res, err := s.Tick(ctx, s.now()); err != nil {
			s.logger.Error().Err(err).Msg("scheduler tick")
		} else if res.Fired > 0 || res.Dropped > 0 {
			s.logger.Info().Int("fired", res.Fired).Int("dropped", res.Dropped).Msg("scheduler tick finished")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
