// Package config loads the collab-manager settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the collab-manager process.
type Config struct {
	Addr     string `env:"ADDR,default=:8080"`
	DBDSN    string `env:"DB_DSN,required"`
	NATSURL  string `env:"NATS_URL"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	Namespace      string        `env:"K8S_NAMESPACE,default=collab"`
	Kubeconfig     string        `env:"KUBECONFIG"`
	StorageClass   string        `env:"STORAGE_CLASS"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=10s"`

	ToolsFile      string        `env:"TOOLS_FILE,default=/etc/collab/tools.yaml"`
	GitCloneImage  string        `env:"GIT_CLONE_IMAGE,default=collab/git-clone:latest"`
	SessionBaseURL string        `env:"SESSION_BASE_URL"`
	MailDomain     string        `env:"MAIL_DOMAIN"`
	TokenTTL       time.Duration `env:"SESSION_TOKEN_TTL,default=24h"`

	PrometheusURL      string        `env:"PROMETHEUS_URL"`
	IdleReaperInterval time.Duration `env:"IDLE_REAPER_INTERVAL,default=5m"`
	GCInterval         time.Duration `env:"GC_INTERVAL,default=10m"`
	GCGrace            time.Duration `env:"GC_GRACE,default=10m"`

	CronTimezone      string        `env:"CRON_TIMEZONE,default=UTC"`
	NightlySchedule   string        `env:"NIGHTLY_SCHEDULE,default=0 3 * * *"`
	MisfireGrace      time.Duration `env:"MISFIRE_GRACE,default=1h"`
	SchedulerWorkers  int           `env:"SCHEDULER_WORKERS,default=4"`
	SchedulerPoll     time.Duration `env:"SCHEDULER_POLL,default=30s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=30s"`
	BackupImage       string        `env:"BACKUP_IMAGE,default=collab/backup:latest"`
	PipelineTimeout   time.Duration `env:"PIPELINE_TIMEOUT,default=2h"`

	SMTPHost        string   `env:"SMTP_HOST"`
	SMTPPort        int      `env:"SMTP_PORT,default=587"`
	SMTPUser        string   `env:"SMTP_USER"`
	SMTPPassword    string   `env:"SMTP_PASS"`
	SMTPFrom        string   `env:"SMTP_FROM"`
	AlertsEnabled   bool     `env:"ALERTS_ENABLED,default=false"`
	AlertRecipients []string `env:"ALERT_RECIPIENTS"`

	S3Endpoint       string        `env:"S3_ENDPOINT"`
	S3Region         string        `env:"S3_REGION,default=us-east-1"`
	S3AccessKey      string        `env:"S3_ACCESS_KEY"`
	S3SecretKey      string        `env:"S3_SECRET_KEY"`
	S3DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=true"`
	S3Bucket         string        `env:"S3_BUCKET"`
	ExportLinkTTL    time.Duration `env:"EXPORT_LINK_TTL,default=1h"`

	AgeSecretKey   string   `env:"AGE_SECRET_KEY"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit      int      `env:"RATE_LIMIT,default=100"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location resolves CRON_TIMEZONE.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CronTimezone)
	if err != nil {
		return nil, fmt.Errorf("CRON_TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c Config) validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":      c.RequestTimeout,
		"IDLE_REAPER_INTERVAL": c.IdleReaperInterval,
		"GC_INTERVAL":          c.GCInterval,
		"RECONCILE_INTERVAL":   c.ReconcileInterval,
		"SCHEDULER_POLL":       c.SchedulerPoll,
		"PIPELINE_TIMEOUT":     c.PipelineTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MisfireGrace < 0 {
		errs = append(errs, errors.New("MISFIRE_GRACE must not be negative"))
	}
	if c.SchedulerWorkers <= 0 {
		errs = append(errs, errors.New("SCHEDULER_WORKERS must be positive"))
	}
	if c.AlertsEnabled && len(c.AlertRecipients) == 0 {
		errs = append(errs, errors.New("ALERT_RECIPIENTS is required when ALERTS_ENABLED is set"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
