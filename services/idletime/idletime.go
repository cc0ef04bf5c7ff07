// Package idletime reads session idle times and idle alerts from Prometheus.
package idletime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
)

const (
	DefaultMetric       = "idletime_minutes"
	DefaultIdleAlert    = "idletime"
	DefaultWarningAlert = "idletime_warning"
	SessionLabel        = "session_id"
)

// ErrMalformedResponse is returned when the backend answers with an unexpected shape.
var ErrMalformedResponse = errors.New("malformed metrics response")

// Config points the client at a Prometheus server.
type Config struct {
	Address string
	// Metric is the gauge holding idle minutes per session.
	Metric       string
	IdleAlert    string
	WarningAlert string
	Timeout      time.Duration
}

// Sample is one value of a per-session series.
type Sample struct {
	SessionID string
	Value     float64
	Timestamp time.Time
}

// Client queries the metrics backend.
type Client struct {
	api     v1.API
	cfg     Config
	logger  zerolog.Logger
	timeout time.Duration
}

// New creates a Client for cfg.Address.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("prometheus address is required")
	}
	raw, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return NewWithAPI(v1.NewAPI(raw), cfg, logger), nil
}

// NewWithAPI wraps an existing API value.
func NewWithAPI(a v1.API, cfg Config, logger zerolog.Logger) *Client {
	if cfg.Metric == "" {
		cfg.Metric = DefaultMetric
	}
	if cfg.IdleAlert == "" {
		cfg.IdleAlert = DefaultIdleAlert
	}
	if cfg.WarningAlert == "" {
		cfg.WarningAlert = DefaultWarningAlert
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		api:     a,
		cfg:     cfg,
		logger:  logger.With().Str("component", "idletime").Logger(),
		timeout: timeout,
	}
}

// IdleMinutes returns the idle time of one session. found is false when no
// data point exists.
func (c *Client) IdleMinutes(ctx context.Context, sessionID string) (float64, bool, error) {
	samples, err := c.query(ctx, fmt.Sprintf(`%s{%s=%s}`, c.cfg.Metric, SessionLabel, strconv.Quote(sessionID)))
	if err != nil {
		return 0, false, err
	}
	if len(samples) == 0 {
		return 0, false, nil
	}
	return samples[0].Value, true, nil
}

// IdleTimes returns the idle time of every session the backend knows about.
func (c *Client) IdleTimes(ctx context.Context) (map[string]float64, error) {
	samples, err := c.query(ctx, c.cfg.Metric)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(samples))
	for _, s := range samples {
		out[s.SessionID] = s.Value
	}
	return out, nil
}

// FiringIdleAlerts returns the sessions whose idle alert is firing.
func (c *Client) FiringIdleAlerts(ctx context.Context) ([]Sample, error) {
	return c.firing(ctx, c.cfg.IdleAlert)
}

// FiringWarningAlerts returns the sessions about to be reaped.
func (c *Client) FiringWarningAlerts(ctx context.Context) ([]Sample, error) {
	return c.firing(ctx, c.cfg.WarningAlert)
}

func (c *Client) firing(ctx context.Context, alert string) ([]Sample, error) {
	return c.query(ctx, fmt.Sprintf(`ALERTS{alertname=%s,alertstate="firing"}`, strconv.Quote(alert)))
}

func (c *Client) query(ctx context.Context, q string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, warnings, err := c.api.Query(ctx, q, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", q, err)
	}
	for _, w := range warnings {
		c.logger.Warn().Str("query", q).Msg(w)
	}

	if value == nil {
		return nil, fmt.Errorf("%w: no result for %q", ErrMalformedResponse, q)
	}
	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: expected vector for %q, got %s", ErrMalformedResponse, q, value.Type())
	}

	out := make([]Sample, 0, len(vector))
	for _, s := range vector {
		id, ok := s.Metric[model.LabelName(SessionLabel)]
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: series %s has no %s label", ErrMalformedResponse, s.Metric, SessionLabel)
		}
		v := float64(s.Value)
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: series %s has no numeric value", ErrMalformedResponse, s.Metric)
		}
		out = append(out, Sample{SessionID: string(id), Value: v, Timestamp: s.Timestamp.Time()})
	}
	return out, nil
}
