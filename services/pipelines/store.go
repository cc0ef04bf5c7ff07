package pipelines

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists pipelines, runs, and run logs.
type Store interface {
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id uuid.UUID) (Pipeline, error)
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	SetRunNightly(ctx context.Context, id uuid.UUID, nightly bool) error

	// CreateRun returns ErrRunActive when the pipeline has a non-terminal run.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, pipelineID uuid.UUID) ([]Run, error)
	// ActiveRuns returns every run that is not terminal.
	ActiveRuns(ctx context.Context) ([]Run, error)
	// UpdateStatus moves a run from one status to another. It reports false
	// and changes nothing when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, endTime *time.Time) (bool, error)
	// MarkAlertSent stamps the run unless it was stamped before. It reports
	// whether this call set the stamp.
	MarkAlertSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// AppendLogs adds lines to a run. Rows are never updated or removed.
	AppendLogs(ctx context.Context, lines []RunLog) error
	// LatestLog returns the newest timestamp stored for the run and type.
	LatestLog(ctx context.Context, runID uuid.UUID, typ LogType) (time.Time, error)
	// AdvanceCursors moves the fetch cursors forward. Cursors never move back.
	AdvanceCursors(ctx context.Context, id uuid.UUID, logs, events time.Time) error
	Logs(ctx context.Context, runID uuid.UUID, typ LogType) ([]RunLog, error)
}

// MemoryStore keeps everything in maps.
type MemoryStore struct {
	mu        sync.Mutex
	pipelines map[uuid.UUID]Pipeline
	runs      map[uuid.UUID]Run
	logs      []RunLog
	nextLogID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[uuid.UUID]Pipeline),
		runs:      make(map[uuid.UUID]Run),
	}
}

func (m *MemoryStore) CreatePipeline(_ context.Context, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.pipelines[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPipeline(_ context.Context, id uuid.UUID) (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return Pipeline{}, ErrPipelineNotFound
	}
	return p, nil
}

func (m *MemoryStore) ListPipelines(_ context.Context) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetRunNightly(_ context.Context, id uuid.UUID, nightly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return ErrPipelineNotFound
	}
	p.RunNightly = nightly
	m.pipelines[id] = p
	return nil
}

// CreateRun refuses a run for a pipeline that still has a non-terminal one.
func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.runs {
		if other.PipelineID == run.PipelineID && !other.Status.Terminal() {
			return ErrRunActive
		}
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, pipelineID uuid.UUID) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if run.PipelineID == pipelineID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.After(out[j].TriggerTime) })
	return out, nil
}

func (m *MemoryStore) ActiveRuns(_ context.Context) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerTime.Before(out[j].TriggerTime) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, endTime *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	if endTime != nil {
		t := *endTime
		run.EndTime = &t
	}
	m.runs[id] = run
	return true, nil
}

func (m *MemoryStore) MarkAlertSent(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.AlertSentAt != nil {
		return false, nil
	}
	run.AlertSentAt = &at
	m.runs[id] = run
	return true, nil
}

func (m *MemoryStore) AppendLogs(_ context.Context, lines []RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		m.nextLogID++
		l.ID = m.nextLogID
		m.logs = append(m.logs, l)
	}
	return nil
}

func (m *MemoryStore) LatestLog(_ context.Context, runID uuid.UUID, typ LogType) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, l := range m.logs {
		if l.RunID == runID && l.Type == typ && l.Timestamp.After(latest) {
			latest = l.Timestamp
		}
	}
	return latest, nil
}

func (m *MemoryStore) AdvanceCursors(_ context.Context, id uuid.UUID, logs, events time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if logs.After(run.LogsLastFetched) {
		run.LogsLastFetched = logs
	}
	if events.After(run.EventsLastFetched) {
		run.EventsLastFetched = events
	}
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) Logs(_ context.Context, runID uuid.UUID, typ LogType) ([]RunLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunLog
	for _, l := range m.logs {
		if l.RunID == runID && (typ == "" || l.Type == typ) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
