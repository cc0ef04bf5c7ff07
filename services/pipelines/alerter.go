package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collabmgr/pkg/render"
	"collabmgr/services/notify"
)

const alertLogLines = 20

// AlertConfig controls failure mails.
type AlertConfig struct {
	Enabled    bool
	Recipients []string
	// BaseURL links the mail to the run, e.g. https://collab.example.com.
	BaseURL string
}

// Alerter mails stakeholders when a run fails. Delivery is best effort and
// happens at most once per run.
type Alerter struct {
	sender notify.Sender
	engine *render.Engine
	store  Store
	cfg    AlertConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewAlerter(sender notify.Sender, engine *render.Engine, store Store, cfg AlertConfig, logger zerolog.Logger) (*Alerter, error) {
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if engine == nil {
		return nil, errors.New("render engine is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Alerter{
		sender: sender,
		engine: engine,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline-alerts").Logger(),
		now:    time.Now,
	}, nil
}

type failureMail struct {
	Pipeline Pipeline
	Run      Run
	Lines    []RunLog
	RunURL   string
}

// RunFailed sends the failure mail for run. The run is stamped before the
// mail goes out, so a failed delivery is not retried.
func (a *Alerter) RunFailed(ctx context.Context, run Run) {
	log := a.logger.With().Str("run_id", run.ID.String()).Logger()
	if !a.cfg.Enabled {
		log.Debug().Msg("alerting disabled")
		return
	}
	if len(a.cfg.Recipients) == 0 {
		log.Warn().Msg("no alert recipients configured")
		return
	}

	claimed, err := a.store.MarkAlertSent(ctx, run.ID, a.now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("stamp run alert")
		return
	}
	if !claimed {
		return
	}

	subject, body, err := a.compose(ctx, run)
	if err != nil {
		log.Error().Err(err).Msg("compose failure alert")
		return
	}
	if err := a.sender.SendAlert(ctx, a.cfg.Recipients, subject, body); err != nil {
		if errors.Is(err, notify.ErrNotConfigured) {
			log.Warn().Msg("notification not configured, alert dropped")
			return
		}
		log.Warn().Err(err).Msg("send failure alert")
	}
}

func (a *Alerter) compose(ctx context.Context, run Run) (string, string, error) {
	pipeline, err := a.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		a.logger.Warn().Err(err).Str("pipeline_id", run.PipelineID.String()).Msg("load pipeline for alert")
		pipeline = Pipeline{ID: run.PipelineID, ModelID: run.PipelineID.String()}
	}

	lines, err := a.store.Logs(ctx, run.ID, LogTypeLogs)
	if err != nil {
		a.logger.Warn().Err(err).Msg("load run logs for alert")
		lines = nil
	}
	if len(lines) > alertLogLines {
		lines = lines[len(lines)-alertLogLines:]
	}

	data := failureMail{Pipeline: pipeline, Run: run, Lines: lines}
	if a.cfg.BaseURL != "" {
		data.RunURL = fmt.Sprintf("%s/pipelines/%s/runs/%s", strings.TrimRight(a.cfg.BaseURL, "/"), run.PipelineID, run.ID)
	}
	return a.engine.Mail("pipeline_failure", data)
}
