package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"collabmgr/pkg/secrets"
	"collabmgr/services/operator"
)

const (
	LabelComponent  = "collab.component"
	ComponentName   = "pipeline-run"
	LabelPipelineID = "collab.pipeline/id"
	LabelRunID      = "collab.run/id"
)

var tracer = otel.Tracer("collabmgr/services/pipelines")

// RunnerConfig describes the backup job.
type RunnerConfig struct {
	Image            string
	Timeout          time.Duration
	TTLAfterFinished time.Duration
	Resources        operator.Resources
}

// Dependencies wires the runner and the reconciler.
type Dependencies struct {
	Store    Store
	Operator operator.Operator
	Secrets  *secrets.Box
	Alerter  *Alerter
	Events   Publisher
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (d Dependencies) validate() error {
	if d.Store == nil {
		return errors.New("store is required")
	}
	if d.Operator == nil {
		return errors.New("operator is required")
	}
	return nil
}

func (d Dependencies) tracker(component string) tracker {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return tracker{
		store:   d.Store,
		alerter: d.Alerter,
		events:  d.Events,
		logger:  d.Logger.With().Str("component", component).Logger(),
		now:     now,
	}
}

// Runner launches backup runs.
type Runner struct {
	tracker
	operator operator.Operator
	secrets  *secrets.Box
	cfg      RunnerConfig
}

func NewRunner(deps Dependencies, cfg RunnerConfig) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Image == "" {
		return nil, errors.New("backup image is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Hour
	}
	if cfg.TTLAfterFinished <= 0 {
		cfg.TTLAfterFinished = 24 * time.Hour
	}
	box := deps.Secrets
	if box == nil {
		box = &secrets.Box{}
	}
	return &Runner{
		tracker:  deps.tracker("pipeline-runner"),
		operator: deps.Operator,
		secrets:  box,
		cfg:      cfg,
	}, nil
}

// Trigger creates a run for pipelineID and launches its workload. It returns
// once the workload is submitted; the outcome is tracked by the reconciler.
// A run that cannot be launched is stored as FAILURE and returned together
// with the error.
func (r *Runner) Trigger(ctx context.Context, pipelineID uuid.UUID, triggeredBy *string) (Run, error) {
	ctx, span := tracer.Start(ctx, "pipelines.trigger")
	defer span.End()
	span.SetAttributes(attribute.String("pipeline.id", pipelineID.String()))

	pipeline, err := r.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return Run{}, err
	}
	if err := r.ensureIdle(ctx, pipelineID); err != nil {
		return Run{}, err
	}

	env, err := r.environment(pipeline)
	if err != nil {
		return Run{}, fmt.Errorf("open pipeline credentials: %w", err)
	}

	id := uuid.New()
	now := r.now().UTC()
	env["RUN_ID"] = id.String()
	run := Run{
		ID:          id,
		ReferenceID: "backup-" + strings.ReplaceAll(id.String(), "-", "")[:20],
		Status:      StatusPending,
		PipelineID:  pipelineID,
		TriggeredBy: triggeredBy,
		TriggerTime: now,
		Environment: snapshot(env),
	}
	if err := r.store.CreateRun(ctx, &run); err != nil {
		return Run{}, err
	}
	log := r.logger.With().Str("run_id", id.String()).Str("pipeline_id", pipelineID.String()).Logger()
	span.SetAttributes(attribute.String("run.id", id.String()))

	_, err = r.operator.CreateWorkload(ctx, operator.WorkloadSpec{
		Name:  run.ReferenceID,
		Kind:  operator.KindJob,
		Image: r.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			LabelComponent:  ComponentName,
			LabelPipelineID: pipelineID.String(),
			LabelRunID:      id.String(),
		},
		Annotations:      map[string]string{"collab.pipeline/model": pipeline.ModelID},
		Resources:        r.cfg.Resources,
		ActiveDeadline:   r.cfg.Timeout,
		TTLAfterFinished: r.cfg.TTLAfterFinished,
	})
	if err != nil {
		if _, terr := r.transition(ctx, &run, StatusFailure); terr != nil {
			log.Error().Err(terr).Msg("record launch failure")
		}
		return run, fmt.Errorf("launch backup workload: %w", err)
	}

	if _, err := r.transition(ctx, &run, StatusScheduled); err != nil {
		log.Warn().Err(err).Msg("mark run scheduled")
	}
	log.Info().Str("workload", run.ReferenceID).Msg("backup run launched")
	return run, nil
}

// RunScheduled is the scheduler entry point. It never fails: problems are
// logged once and the firing is skipped.
func (r *Runner) RunScheduled(ctx context.Context, pipelineID string) {
	log := r.logger.With().Str("pipeline_id", pipelineID).Logger()

	id, err := uuid.Parse(pipelineID)
	if err != nil {
		log.Error().Err(err).Msg("scheduled run for invalid pipeline id")
		return
	}

	_, err = r.Trigger(ctx, id, nil)
	switch {
	case err == nil:
	case errors.Is(err, ErrPipelineNotFound):
		log.Error().Msg("scheduled run for pipeline that does not exist")
	case errors.Is(err, ErrRunActive):
		log.Warn().Msg("previous run still active, skipping scheduled run")
	default:
		log.Error().Err(err).Msg("scheduled run failed to start")
	}
}

func (r *Runner) ensureIdle(ctx context.Context, pipelineID uuid.UUID) error {
	runs, err := r.store.ListRuns(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if !run.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrRunActive, run.ID)
		}
	}
	return nil
}

func (r *Runner) environment(p Pipeline) (map[string]string, error) {
	gitPassword, err := r.secrets.Open(p.GitPassword)
	if err != nil {
		return nil, err
	}
	backendPassword, err := r.secrets.Open(p.BackendPassword)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"MODEL_ID":               p.ModelID,
		"GIT_REPO_URL":           p.GitURL,
		"GIT_REPO_BRANCH":        p.GitRevision,
		"GIT_USERNAME":           p.GitUsername,
		"GIT_PASSWORD":           gitPassword,
		"BACKEND_HOST":           p.BackendHost,
		"BACKEND_REPOSITORY":     p.BackendRepository,
		"BACKEND_PROJECT":        p.BackendProject,
		"BACKEND_USERNAME":       p.BackendUsername,
		"BACKEND_PASSWORD":       backendPassword,
		"INCLUDE_COMMIT_HISTORY": strconv.FormatBool(p.IncludeCommitHistory),
	}, nil
}

// snapshot copies env without credentials.
func snapshot(env map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(env))
	for k, v := range env {
		if strings.HasSuffix(k, "_PASSWORD") {
			continue
		}
		out[k] = v
	}
	return out
}
