package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabmgr/services/scheduler"
)

// JobRegistry is the part of the scheduler the service drives.
type JobRegistry interface {
	Sync(ctx context.Context, pipelineID string, nightly bool) error
	Jobs(ctx context.Context) ([]scheduler.Job, error)
	Deregister(ctx context.Context, pipelineID string) error
}

// Service is the read and control surface for pipelines and their runs.
type Service struct {
	store  Store
	runner *Runner
	jobs   JobRegistry
	logger zerolog.Logger
}

func NewService(store Store, runner *Runner, jobs JobRegistry, logger zerolog.Logger) (*Service, error) {
	if store == nil || runner == nil || jobs == nil {
		return nil, errors.New("store, runner and job registry are required")
	}
	return &Service{store: store, runner: runner, jobs: jobs, logger: logger.With().Str("component", "pipelines").Logger()}, nil
}

// Trigger starts an on-demand run for user.
func (s *Service) Trigger(ctx context.Context, pipelineID uuid.UUID, user string) (Run, error) {
	var by *string
	if user != "" {
		by = &user
	}
	return s.runner.Trigger(ctx, pipelineID, by)
}

// ListRuns returns the runs of a pipeline, newest first.
func (s *Service) ListRuns(ctx context.Context, pipelineID uuid.UUID) ([]Run, error) {
	if _, err := s.store.GetPipeline(ctx, pipelineID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, pipelineID)
}

// GetRun returns one run of a pipeline.
func (s *Service) GetRun(ctx context.Context, pipelineID, runID uuid.UUID) (Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.PipelineID != pipelineID {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// RunLogs returns the stored lines of a run. An empty typ returns both kinds.
func (s *Service) RunLogs(ctx context.Context, pipelineID, runID uuid.UUID, typ LogType) ([]RunLog, error) {
	if _, err := s.GetRun(ctx, pipelineID, runID); err != nil {
		return nil, err
	}
	switch typ {
	case "", LogTypeLogs, LogTypeEvents:
	default:
		return nil, fmt.Errorf("unknown log type %q", typ)
	}
	return s.store.Logs(ctx, runID, typ)
}

// SetRunNightly flips the nightly flag and brings the job registration in line.
func (s *Service) SetRunNightly(ctx context.Context, pipelineID uuid.UUID, nightly bool) (Pipeline, error) {
	if err := s.store.SetRunNightly(ctx, pipelineID, nightly); err != nil {
		return Pipeline{}, err
	}
	if err := s.jobs.Sync(ctx, pipelineID.String(), nightly); err != nil {
		return Pipeline{}, fmt.Errorf("sync nightly job: %w", err)
	}
	return s.store.GetPipeline(ctx, pipelineID)
}

// Bootstrap registers every nightly pipeline and removes jobs whose
// pipeline is gone or no longer runs nightly.
func (s *Service) Bootstrap(ctx context.Context) error {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return err
	}
	nightly := make(map[string]bool, len(pipelines))
	for _, p := range pipelines {
		nightly[p.ID.String()] = p.RunNightly
		if err := s.jobs.Sync(ctx, p.ID.String(), p.RunNightly); err != nil {
			return fmt.Errorf("sync pipeline %s: %w", p.ID, err)
		}
	}

	jobs, err := s.jobs.Jobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if nightly[job.ID] {
			continue
		}
		if err := s.jobs.Deregister(ctx, job.ID); err != nil {
			return err
		}
		s.logger.Info().Str("pipeline_id", job.ID).Msg("removed stale nightly job")
	}
	return nil
}
