// Package pipelines launches backup runs for model pipelines and reconciles
// their status against the orchestrator.
package pipelines

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("pipeline run not found")
	ErrRunActive        = errors.New("pipeline already has an active run")
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusTimeout   Status = "TIMEOUT"
	StatusUnknown   Status = "UNKNOWN"
)

// Terminal reports whether a run in this status is sealed. UNKNOWN is not
// sealed: it is set when the orchestrator cannot be read and is left again
// as soon as it answers.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout:
		return true
	}
	return false
}

var rank = map[Status]int{
	StatusPending:   0,
	StatusScheduled: 1,
	StatusRunning:   2,
}

// CanTransition reports whether a run may move from one status to another.
// Terminal statuses never change. Otherwise status only moves forward, with
// UNKNOWN reachable from and leaving to any non-terminal status.
func CanTransition(from, to Status) bool {
	switch {
	case from == to:
		return true
	case from.Terminal():
		return false
	case to.Terminal(), to == StatusUnknown:
		return true
	case from == StatusUnknown:
		return to != StatusPending
	}
	return rank[to] > rank[from]
}

// LogType classifies a RunLog line.
type LogType string

const (
	LogTypeLogs   LogType = "LOGS"
	LogTypeEvents LogType = "EVENTS"
)

// Pipeline backs up one model from its git repository into a backend
// repository. Passwords are stored sealed.
type Pipeline struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ModelID              string    `gorm:"type:text;not null;index" json:"model_id"`
	GitURL               string    `gorm:"type:text;not null" json:"git_url"`
	GitRevision          string    `gorm:"type:text" json:"git_revision"`
	GitUsername          string    `gorm:"type:text" json:"git_username,omitempty"`
	GitPassword          string    `gorm:"type:text" json:"-"`
	BackendHost          string    `gorm:"type:text;not null" json:"backend_host"`
	BackendRepository    string    `gorm:"type:text;not null" json:"backend_repository"`
	BackendProject       string    `gorm:"type:text" json:"backend_project"`
	BackendUsername      string    `gorm:"type:text" json:"backend_username,omitempty"`
	BackendPassword      string    `gorm:"type:text" json:"-"`
	IncludeCommitHistory bool      `gorm:"not null;default:false" json:"include_commit_history"`
	RunNightly           bool      `gorm:"not null;default:false" json:"run_nightly"`
	CreatedBy            string    `gorm:"type:text" json:"created_by"`
	CreatedAt            time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime" json:"created_at"`
}

func (Pipeline) TableName() string { return "pipelines" }

// Run is one invocation of a pipeline.
type Run struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	ReferenceID       string            `gorm:"type:text;not null;uniqueIndex" json:"reference_id"`
	Status            Status            `gorm:"type:text;not null;index" json:"status"`
	PipelineID        uuid.UUID         `gorm:"type:uuid;not null;index" json:"pipeline_id"`
	TriggeredBy       *string           `gorm:"type:text" json:"triggered_by"`
	TriggerTime       time.Time         `gorm:"type:timestamptz;not null" json:"trigger_time"`
	EndTime           *time.Time        `gorm:"type:timestamptz" json:"end_time"`
	Environment       datatypes.JSONMap `gorm:"type:jsonb" json:"environment"`
	LogsLastFetched   time.Time         `gorm:"type:timestamptz;not null" json:"-"`
	EventsLastFetched time.Time         `gorm:"type:timestamptz;not null" json:"-"`
	AlertSentAt       *time.Time        `gorm:"type:timestamptz" json:"-"`
}

func (Run) TableName() string { return "pipeline_runs" }

// RunLog is one appended log or event line of a run.
type RunLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID     uuid.UUID `gorm:"type:uuid;not null;index:idx_run_logs_run_ts" json:"run_id"`
	Line      string    `gorm:"type:text;not null" json:"line"`
	Timestamp time.Time `gorm:"type:timestamptz;not null;index:idx_run_logs_run_ts" json:"timestamp"`
	Type      LogType   `gorm:"type:text;not null" json:"type"`
	Reason    *string   `gorm:"type:text" json:"reason,omitempty"`
}

func (RunLog) TableName() string { return "pipeline_run_logs" }
