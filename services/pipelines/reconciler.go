package pipelines

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"collabmgr/services/operator"
)

// ReconcileResult summarises one pass.
type ReconcileResult struct {
	Runs     int
	Changed  int
	Appended int
	Failed   int
}

// Reconciler polls the workloads of active runs and records their status,
// logs, and events.
type Reconciler struct {
	tracker
	operator operator.Operator
	timeout  time.Duration
}

func NewReconciler(deps Dependencies, timeout time.Duration) (*Reconciler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &Reconciler{
		tracker:  deps.tracker("pipeline-reconciler"),
		operator: deps.Operator,
		timeout:  timeout,
	}, nil
}

// RunOnce reconciles every active run. A failure on one run is logged and
// does not stop the others.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	runs, err := r.store.ActiveRuns(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Runs: len(runs)}
	for i := range runs {
		appended, changed, err := r.reconcile(ctx, &runs[i])
		res.Appended += appended
		if changed {
			res.Changed++
		}
		if err != nil {
			res.Failed++
			r.logger.Error().Err(err).Str("run_id", runs[i].ID.String()).Msg("reconcile run")
		}
	}
	return res, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("list active runs")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, run *Run) (int, bool, error) {
	log := r.logger.With().Str("run_id", run.ID.String()).Str("workload", run.ReferenceID).Logger()

	var (
		to       Status
		appended int
	)
	state, err := r.operator.WorkloadState(ctx, run.ReferenceID)
	if err != nil {
		state = operator.StateUnknown
		log.Error().Err(err).Msg("orchestrator unavailable, run outcome unknown")
		to = StatusUnknown
	} else {
		appended, err = r.collect(ctx, run)
		if err != nil {
			log.Warn().Err(err).Msg("collect run output")
		}
		to = statusFor(state)
	}

	// The backup Job carries the same deadline, so a Job the orchestrator
	// failed at or past it timed out rather than failed.
	overdue := r.now().Sub(run.TriggerTime) >= r.timeout
	if overdue && (!to.Terminal() || state == operator.StateFailed) {
		if err := r.operator.DeleteWorkload(ctx, run.ReferenceID); err != nil {
			log.Error().Err(err).Msg("delete timed out workload")
		}
		to = StatusTimeout
	}

	changed, err := r.transition(ctx, run, to)
	return appended, changed, err
}

// collect appends output newer than the run's cursors, then advances the
// cursors. Rows are written first so a crash in between re-fetches lines
// rather than losing them; lines at or before the newest stored timestamp
// are dropped as duplicates.
func (r *Reconciler) collect(ctx context.Context, run *Run) (int, error) {
	logCursor, err := r.cursor(ctx, run.ID, LogTypeLogs, run.LogsLastFetched)
	if err != nil {
		return 0, err
	}
	eventCursor, err := r.cursor(ctx, run.ID, LogTypeEvents, run.EventsLastFetched)
	if err != nil {
		return 0, err
	}

	var (
		rows   []RunLog
		errs   []error
		nextLC = logCursor
		nextEC = eventCursor
	)

	lines, err := r.operator.LogLines(ctx, run.ReferenceID, logCursor)
	if err != nil {
		errs = append(errs, err)
	}
	for _, l := range lines {
		if !l.Timestamp.After(logCursor) {
			continue
		}
		rows = append(rows, RunLog{RunID: run.ID, Line: l.Text, Timestamp: l.Timestamp, Type: LogTypeLogs})
		if l.Timestamp.After(nextLC) {
			nextLC = l.Timestamp
		}
	}

	events, err := r.operator.Events(ctx, run.ReferenceID, eventCursor)
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range events {
		if !e.Timestamp.After(eventCursor) {
			continue
		}
		reason := e.Reason
		rows = append(rows, RunLog{RunID: run.ID, Line: e.Message, Timestamp: e.Timestamp, Type: LogTypeEvents, Reason: &reason})
		if e.Timestamp.After(nextEC) {
			nextEC = e.Timestamp
		}
	}

	if len(rows) == 0 {
		return 0, errors.Join(errs...)
	}
	if err := r.store.AppendLogs(ctx, rows); err != nil {
		return 0, err
	}
	if err := r.store.AdvanceCursors(ctx, run.ID, nextLC, nextEC); err != nil {
		return len(rows), err
	}
	run.LogsLastFetched, run.EventsLastFetched = nextLC, nextEC
	return len(rows), errors.Join(errs...)
}

// cursor is the later of the stored cursor and the newest appended row.
func (r *Reconciler) cursor(ctx context.Context, runID uuid.UUID, typ LogType, stored time.Time) (time.Time, error) {
	latest, err := r.store.LatestLog(ctx, runID, typ)
	if err != nil {
		return time.Time{}, err
	}
	if latest.After(stored) {
		return latest, nil
	}
	return stored, nil
}

func statusFor(state operator.State) Status {
	switch state {
	case operator.StatePending, operator.StateBackOff:
		return StatusScheduled
	case operator.StateStarted:
		return StatusRunning
	case operator.StateSucceeded:
		return StatusSuccess
	case operator.StateFailed:
		return StatusFailure
	}
	return StatusUnknown
}
