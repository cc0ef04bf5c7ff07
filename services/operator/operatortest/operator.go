// Package operatortest provides an in-memory operator.Operator for tests.
package operatortest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"collabmgr/services/operator"
)

// Operator records every call and serves state, logs, and events from maps
// populated by the test.
type Operator struct {
	mu sync.Mutex

	workloads map[string]operator.WorkloadSpec
	created   map[string]time.Time
	states    map[string]operator.State
	logs      map[string]string
	lines     map[string][]operator.LogLine
	events    map[string][]operator.Event
	volumes   map[string]map[string]string
	files     map[string][]byte

	// Killed lists every DeleteWorkload call in order.
	Killed  []string
	Created []operator.WorkloadSpec
	Uploads map[string][][]byte

	CreateErr error
	StateErr  error
	LogsErr   error
	DeleteErr error
	Now       func() time.Time
}

// New returns an empty Operator.
func New() *Operator {
	return &Operator{
		workloads: make(map[string]operator.WorkloadSpec),
		created:   make(map[string]time.Time),
		states:    make(map[string]operator.State),
		logs:      make(map[string]string),
		lines:     make(map[string][]operator.LogLine),
		events:    make(map[string][]operator.Event),
		volumes:   make(map[string]map[string]string),
		files:     make(map[string][]byte),
		Uploads:   make(map[string][][]byte),
		Now:       time.Now,
	}
}

func (o *Operator) CreateWorkload(_ context.Context, spec operator.WorkloadSpec) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.CreateErr != nil {
		return "", o.CreateErr
	}
	if _, exists := o.workloads[spec.Name]; exists {
		return "", &operator.RejectedSpecError{Name: spec.Name, Reason: "already exists"}
	}
	o.workloads[spec.Name] = spec
	o.created[spec.Name] = o.Now()
	o.Created = append(o.Created, spec)
	if _, ok := o.states[spec.Name]; !ok {
		o.states[spec.Name] = operator.StatePending
	}
	return spec.Name, nil
}

func (o *Operator) DeleteWorkload(_ context.Context, handle string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.Killed = append(o.Killed, handle)
	if o.DeleteErr != nil {
		return o.DeleteErr
	}
	delete(o.workloads, handle)
	delete(o.created, handle)
	delete(o.states, handle)
	return nil
}

func (o *Operator) WorkloadState(_ context.Context, handle string) (operator.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.StateErr != nil {
		return operator.StateUnknown, o.StateErr
	}
	state, ok := o.states[handle]
	if !ok {
		return operator.StateUnknown, nil
	}
	return state, nil
}

func (o *Operator) WorkloadLogs(_ context.Context, handle, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.LogsErr != nil {
		return "", o.LogsErr
	}
	return o.logs[handle], nil
}

func (o *Operator) LogLines(_ context.Context, handle string, since time.Time) ([]operator.LogLine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.LogsErr != nil {
		return nil, o.LogsErr
	}
	var out []operator.LogLine
	for _, line := range o.lines[handle] {
		if !line.Timestamp.Before(since) {
			out = append(out, line)
		}
	}
	return out, nil
}

func (o *Operator) Events(_ context.Context, handle string, since time.Time) ([]operator.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []operator.Event
	for _, evt := range o.events[handle] {
		if !evt.Timestamp.Before(since) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (o *Operator) ListWorkloads(_ context.Context, labels map[string]string) ([]operator.WorkloadInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []operator.WorkloadInfo
	for name, spec := range o.workloads {
		if !matches(spec.Labels, labels) {
			continue
		}
		out = append(out, operator.WorkloadInfo{Name: name, Labels: spec.Labels, CreatedAt: o.created[name]})
	}
	return out, nil
}

func (o *Operator) UploadFiles(_ context.Context, handle string, archive []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.workloads[handle]; !ok {
		return fmt.Errorf("workload %s not found", handle)
	}
	o.Uploads[handle] = append(o.Uploads[handle], archive)
	return nil
}

func (o *Operator) DownloadFile(_ context.Context, handle, path string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, ok := o.files[handle+":"+path]
	if !ok {
		return nil, fmt.Errorf("file %s not found in %s", path, handle)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *Operator) CreatePersistentVolume(_ context.Context, name, _ string, labels map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.volumes[name] = labels
	return nil
}

func (o *Operator) DeletePersistentVolume(_ context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.volumes, name)
	return nil
}

func (o *Operator) PersistentVolumeExists(_ context.Context, name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.volumes[name]
	return ok, nil
}

// SetState overrides the state reported for handle.
func (o *Operator) SetState(handle string, state operator.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[handle] = state
}

// SetLogs sets the full log text of handle.
func (o *Operator) SetLogs(handle, logs string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs[handle] = logs
}

// AddLogLines appends timestamped lines to handle.
func (o *Operator) AddLogLines(handle string, lines ...operator.LogLine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines[handle] = append(o.lines[handle], lines...)
}

// AddEvents appends orchestrator events to handle.
func (o *Operator) AddEvents(handle string, events ...operator.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[handle] = append(o.events[handle], events...)
}

// AddWorkload registers a workload that was not created through CreateWorkload.
func (o *Operator) AddWorkload(name string, labels map[string]string, createdAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workloads[name] = operator.WorkloadSpec{Name: name, Labels: labels}
	o.created[name] = createdAt
	o.states[name] = operator.StateStarted
}

// SetFile makes path downloadable from handle.
func (o *Operator) SetFile(handle, path string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[handle+":"+path] = data
}

// Workload returns the spec stored for name.
func (o *Operator) Workload(name string) (operator.WorkloadSpec, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	spec, ok := o.workloads[name]
	return spec, ok
}

// VolumeExists reports whether a persistent volume called name exists.
func (o *Operator) VolumeExists(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.volumes[name]
	return ok
}

// KillCount returns how often handle was passed to DeleteWorkload.
func (o *Operator) KillCount(handle string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, k := range o.Killed {
		if k == handle {
			n++
		}
	}
	return n
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

var _ operator.Operator = (*Operator)(nil)
