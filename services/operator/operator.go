package operator

import (
	"context"
	"io"
	"time"
)

// State is the coarse lifecycle state of a workload as reported by the orchestrator.
type State string

const (
	StatePending   State = "Pending"
	StateBackOff   State = "BackOff"
	StateStarted   State = "Started"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateUnknown   State = "Unknown"
)

// Kind selects how a workload is run by the orchestrator.
type Kind string

const (
	// KindSession is a long-running interactive workload.
	KindSession Kind = "session"
	// KindJob runs to completion once.
	KindJob Kind = "job"
)

// VolumeSource describes what backs a mounted volume.
type VolumeSource string

const (
	VolumePersistent VolumeSource = "persistent"
	VolumeEmpty      VolumeSource = "empty"
	VolumeSecret     VolumeSource = "secret"
	VolumeConfigMap  VolumeSource = "config-map"
)

// Volume is mounted into one or more containers of a workload. Containers
// reference volumes by Name, so two mounts with the same name share storage.
type Volume struct {
	Name   string
	Source VolumeSource
	// Claim is the persistent volume, secret, or config map name. Unused for empty volumes.
	Claim     string
	MountPath string
	ReadOnly  bool
	SubPath   string
}

// Container describes an auxiliary container, e.g. one running before the main container.
type Container struct {
	Name    string
	Image   string
	Command []string
	Args    []string
	Env     map[string]string
	Volumes []Volume
}

// Resources holds quantity strings understood by the orchestrator ("500m", "2Gi").
type Resources struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string
}

// WorkloadSpec is everything required to launch a workload.
type WorkloadSpec struct {
	Name           string
	Kind           Kind
	Image          string
	Command        []string
	Args           []string
	Env            map[string]string
	Volumes        []Volume
	InitContainers []Container
	Resources      Resources
	Labels         map[string]string
	Annotations    map[string]string
	Ports          map[string]int
	// ActiveDeadline bounds the runtime of job workloads.
	ActiveDeadline time.Duration
	// TTLAfterFinished lets the orchestrator garbage-collect finished jobs.
	TTLAfterFinished time.Duration
}

// LogLine is one timestamped line of workload output.
type LogLine struct {
	Timestamp time.Time
	Text      string
}

// Event is an orchestrator lifecycle event attached to a workload.
type Event struct {
	Timestamp time.Time
	Reason    string
	Message   string
}

// WorkloadInfo summarises a workload found by ListWorkloads.
type WorkloadInfo struct {
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
}

// Operator is the capability set consumed from the container orchestrator.
// Implementations must be safe for concurrent use.
type Operator interface {
	CreateWorkload(ctx context.Context, spec WorkloadSpec) (string, error)
	// DeleteWorkload succeeds silently when the workload does not exist.
	DeleteWorkload(ctx context.Context, handle string) error
	// WorkloadState reports StateUnknown for workloads that do not exist.
	// An error is only returned when the orchestrator cannot be reached.
	WorkloadState(ctx context.Context, handle string) (State, error)
	// WorkloadLogs returns an empty string while no output exists.
	WorkloadLogs(ctx context.Context, handle, container string) (string, error)
	LogLines(ctx context.Context, handle string, since time.Time) ([]LogLine, error)
	Events(ctx context.Context, handle string, since time.Time) ([]Event, error)
	ListWorkloads(ctx context.Context, labels map[string]string) ([]WorkloadInfo, error)

	UploadFiles(ctx context.Context, handle string, archive []byte) error
	DownloadFile(ctx context.Context, handle, path string) (io.ReadCloser, error)

	CreatePersistentVolume(ctx context.Context, name, size string, labels map[string]string) error
	DeletePersistentVolume(ctx context.Context, name string) error
	PersistentVolumeExists(ctx context.Context, name string) (bool, error)
}
