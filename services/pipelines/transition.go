package pipelines

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// FinishedTopic carries one message per run that reached a terminal status.
const FinishedTopic = "collab.pipelines.runs.finished"

var runTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "collab_pipeline_run_transitions_total",
	Help: "Pipeline run status changes by target status.",
}, []string{"status"})

// Publisher sends run lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// tracker persists status changes and fires their side effects. It is
// shared by the runner and the reconciler so both apply the same rules.
type tracker struct {
	store   Store
	alerter *Alerter
	events  Publisher
	logger  zerolog.Logger
	now     func() time.Time
}

// transition moves run to status to when allowed. It reports whether the
// stored status changed. The store update is conditional on the status the
// caller read, so a concurrent writer wins instead of being overwritten.
func (t *tracker) transition(ctx context.Context, run *Run, to Status) (bool, error) {
	if run.Status == to {
		return false, nil
	}
	log := t.logger.With().Str("run_id", run.ID.String()).Str("from", string(run.Status)).Str("to", string(to)).Logger()
	if !CanTransition(run.Status, to) {
		log.Debug().Msg("status change refused")
		return false, nil
	}

	var end *time.Time
	if to.Terminal() {
		now := t.now().UTC()
		end = &now
	}
	ok, err := t.store.UpdateStatus(ctx, run.ID, run.Status, to, end)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Msg("run changed concurrently")
		return false, nil
	}

	run.Status = to
	if end != nil {
		run.EndTime = end
	}
	runTransitions.WithLabelValues(string(to)).Inc()
	log.Info().Msg("run status changed")

	if !to.Terminal() {
		return true, nil
	}
	if t.events != nil {
		payload := map[string]any{"run_id": run.ID, "pipeline_id": run.PipelineID, "status": to, "end_time": end}
		if err := t.events.Publish(ctx, FinishedTopic, payload); err != nil {
			log.Warn().Err(err).Msg("publish run finished")
		}
	}
	if to == StatusFailure && t.alerter != nil {
		t.alerter.RunFailed(ctx, *run)
	}
	return true, nil
}
