package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_DSN": "postgres://collab@localhost/collab",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "0 3 * * *", cfg.NightlySchedule)
	assert.Equal(t, time.Hour, cfg.MisfireGrace)
	assert.Equal(t, 5*time.Minute, cfg.IdleReaperInterval)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 4, cfg.SchedulerWorkers)
	assert.Equal(t, 2*time.Hour, cfg.PipelineTimeout)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.True(t, cfg.S3ForcePathStyle)
	assert.Empty(t, cfg.AllowedOrigins)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad(t *testing.T) {
	base := map[string]string{"DB_DSN": "postgres://collab@localhost/collab"}
	with := func(kv ...string) map[string]string {
		m := map[string]string{}
		for k, v := range base {
			m[k] = v
		}
		for i := 0; i+1 < len(kv); i += 2 {
			m[kv[i]] = kv[i+1]
		}
		return m
	}

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "missing dsn",
			env:     map[string]string{},
			wantErr: "DB_DSN",
		},
		{
			name: "lists and durations",
			env: with("ALERT_RECIPIENTS", "ops@example.com,dev@example.com", "ALERTS_ENABLED", "true",
				"CORS_ALLOWED_ORIGINS", "https://collab.example.com", "MISFIRE_GRACE", "15m"),
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, cfg.AlertRecipients)
				assert.Equal(t, []string{"https://collab.example.com"}, cfg.AllowedOrigins)
				assert.Equal(t, 15*time.Minute, cfg.MisfireGrace)
			},
		},
		{
			name:    "alerts without recipients",
			env:     with("ALERTS_ENABLED", "true"),
			wantErr: "ALERT_RECIPIENTS",
		},
		{
			name:    "zero interval",
			env:     with("RECONCILE_INTERVAL", "0s"),
			wantErr: "RECONCILE_INTERVAL must be positive",
		},
		{
			name:    "bad timezone",
			env:     with("CRON_TIMEZONE", "Mars/Olympus"),
			wantErr: "CRON_TIMEZONE",
		},
		{
			name:    "no workers",
			env:     with("SCHEDULER_WORKERS", "0"),
			wantErr: "SCHEDULER_WORKERS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
