package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"collabmgr/pkg/bus"
	"collabmgr/pkg/db"
	"collabmgr/pkg/render"
	gos3 "collabmgr/pkg/s3"
	"collabmgr/pkg/secrets"
	"collabmgr/services/files"
	"collabmgr/services/idletime"
	"collabmgr/services/manager/internal/config"
	"collabmgr/services/notify"
	"collabmgr/services/operator/kube"
	"collabmgr/services/pipelines"
	"collabmgr/services/reaper"
	"collabmgr/services/scheduler"
	"collabmgr/services/sessions"
	"collabmgr/services/sessions/hooks"
	"collabmgr/services/tools"
)

// app holds every component of the manager, wired once per process.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	pool    *pgxpool.Pool
	bus     *bus.Bus
	catalog *tools.Catalog
	engine  *render.Engine
	mailer  *notify.SMTP

	sessions   *sessions.Manager
	reaper     *reaper.Reaper
	collector  *reaper.Collector
	runner     *pipelines.Runner
	reconciler *pipelines.Reconciler
	pipelines  *pipelines.Service
	scheduler  *scheduler.Scheduler
	files      *files.Service
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.pool, err = db.Open(ctx, cfg.DBDSN); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	orm, err := db.Gorm(a.pool)
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	op, err := kube.New(kube.Config{
		Namespace:      cfg.Namespace,
		Kubeconfig:     cfg.Kubeconfig,
		RequestTimeout: cfg.RequestTimeout,
		StorageClass:   cfg.StorageClass,
	}, logger)
	if err != nil {
		return nil, err
	}

	if a.catalog, err = tools.Load(cfg.ToolsFile); err != nil {
		return nil, fmt.Errorf("load tools catalog: %w", err)
	}
	if a.engine, err = render.New(); err != nil {
		return nil, err
	}
	a.mailer = notify.NewSMTP(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)

	var (
		sessionEvents  sessions.Publisher
		pipelineEvents pipelines.Publisher
	)
	if cfg.NATSURL != "" {
		if a.bus, err = bus.New(cfg.NATSURL, logger); err != nil {
			return nil, err
		}
		sessionEvents, pipelineEvents = a.bus, a.bus
	}

	var (
		idle       sessions.IdleSource
		idleClient *idletime.Client
	)
	if cfg.PrometheusURL != "" {
		if idleClient, err = idletime.New(idletime.Config{Address: cfg.PrometheusURL, Timeout: cfg.RequestTimeout}, logger); err != nil {
			return nil, err
		}
		idle = idleClient
	}

	sessionStore, err := sessions.NewGormStore(orm)
	if err != nil {
		return nil, err
	}
	tokenStore, err := hooks.NewGormTokenStore(orm)
	if err != nil {
		return nil, err
	}

	a.sessions, err = sessions.NewManager(sessions.Dependencies{
		Operator:   op,
		Store:      sessionStore,
		Catalog:    a.catalog,
		Reconciler: sessions.NewReconciler(op, idle, logger),
		Hooks: []sessions.Hook{
			hooks.Environment{BaseURL: cfg.SessionBaseURL},
			hooks.Networking{},
			hooks.Connection{Catalog: a.catalog, BaseURL: cfg.SessionBaseURL},
			hooks.ReadonlyWorkspace{Image: cfg.GitCloneImage},
			hooks.PersistentWorkspace{Operator: op},
			hooks.SessionToken{Store: tokenStore, TTL: cfg.TokenTTL},
		},
		Events: sessionEvents,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	if idleClient != nil {
		if a.reaper, err = reaper.New(idleClient, a.sessions, logger); err != nil {
			return nil, err
		}
	}
	if a.collector, err = reaper.NewCollector(op, a.sessions, cfg.GCGrace, logger); err != nil {
		return nil, err
	}

	box, err := secrets.New(cfg.AgeSecretKey)
	if err != nil {
		return nil, err
	}
	pipelineStore, err := pipelines.NewGormStore(orm)
	if err != nil {
		return nil, err
	}
	alerter, err := pipelines.NewAlerter(a.mailer, a.engine, pipelineStore, pipelines.AlertConfig{
		Enabled:    cfg.AlertsEnabled,
		Recipients: cfg.AlertRecipients,
		BaseURL:    cfg.SessionBaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	deps := pipelines.Dependencies{
		Store:    pipelineStore,
		Operator: op,
		Secrets:  box,
		Alerter:  alerter,
		Events:   pipelineEvents,
		Logger:   logger,
	}
	if a.runner, err = pipelines.NewRunner(deps, pipelines.RunnerConfig{Image: cfg.BackupImage, Timeout: cfg.PipelineTimeout}); err != nil {
		return nil, err
	}
	if a.reconciler, err = pipelines.NewReconciler(deps, cfg.PipelineTimeout); err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	jobs, err := scheduler.NewPgStore(a.pool)
	if err != nil {
		return nil, err
	}
	a.scheduler, err = scheduler.New(jobs, a.runner.RunScheduled, scheduler.Config{
		Spec:         cfg.NightlySchedule,
		Location:     loc,
		MisfireGrace: cfg.MisfireGrace,
		Workers:      cfg.SchedulerWorkers,
		Poll:         cfg.SchedulerPoll,
	}, logger)
	if err != nil {
		return nil, err
	}
	if a.pipelines, err = pipelines.NewService(pipelineStore, a.runner, a.scheduler, logger); err != nil {
		return nil, err
	}

	var objects files.ObjectStore
	if cfg.S3Bucket != "" {
		client, err := gos3.New(ctx, gos3.Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			DisableTLS:     cfg.S3DisableTLS,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		objects = client
	}
	if a.files, err = files.New(op, objects, box, files.Config{Bucket: cfg.S3Bucket, LinkTTL: cfg.ExportLinkTTL}, logger); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
