package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"collabmgr/pkg/db"
)

// ErrJobNotFound is returned when a job ID is not registered.
var ErrJobNotFound = errors.New("job not found")

// Job is one durable cron registration. Its ID equals the pipeline ID so a
// pipeline can never own more than one job.
type Job struct {
	ID        string    `db:"id" json:"id"`
	Spec      string    `db:"spec" json:"spec"`
	NextRunAt time.Time `db:"next_run_at" json:"next_run_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store persists job registrations.
type Store interface {
	// Upsert inserts job or replaces the registration with the same ID.
	Upsert(ctx context.Context, job Job) error
	// Delete removes a job. Removing an unknown job is not an error.
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context) ([]Job, error)
	// Due returns jobs whose next run is at or before now.
	Due(ctx context.Context, now time.Time) ([]Job, error)
	SetNextRun(ctx context.Context, id string, next time.Time) error
}

// PgStore keeps jobs in the scheduler.jobs table, separate from the
// application schema.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) (*PgStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) Upsert(ctx context.Context, job Job) error {
	_, err := db.Exec(ctx, s.pool, `
		INSERT INTO scheduler.jobs (id, spec, next_run_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET spec = EXCLUDED.spec, next_run_at = EXCLUDED.next_run_at`,
		job.ID, job.Spec, job.NextRunAt.UTC())
	return err
}

func (s *PgStore) Delete(ctx context.Context, id string) error {
	_, err := db.Exec(ctx, s.pool, `DELETE FROM scheduler.jobs WHERE id = $1`, id)
	return err
}

func (s *PgStore) Get(ctx context.Context, id string) (Job, error) {
	var jobs []Job
	if err := db.Select(ctx, s.pool, &jobs, `SELECT id, spec, next_run_at, created_at FROM scheduler.jobs WHERE id = $1`, id); err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobs[0], nil
}

func (s *PgStore) List(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := db.Select(ctx, s.pool, &jobs, `SELECT id, spec, next_run_at, created_at FROM scheduler.jobs ORDER BY id`)
	return jobs, err
}

func (s *PgStore) Due(ctx context.Context, now time.Time) ([]Job, error) {
	var jobs []Job
	err := db.Select(ctx, s.pool, &jobs, `
		SELECT id, spec, next_run_at, created_at FROM scheduler.jobs
		WHERE next_run_at <= $1 ORDER BY next_run_at, id`, now.UTC())
	return jobs, err
}

func (s *PgStore) SetNextRun(ctx context.Context, id string, next time.Time) error {
	tag, err := db.Exec(ctx, s.pool, `UPDATE scheduler.jobs SET next_run_at = $2 WHERE id = $1`, id, next.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MemoryStore is a Store for tests and single-process setups.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok {
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = m.now()
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, job := range m.jobs {
		if !job.NextRunAt.After(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	return out, nil
}

func (m *MemoryStore) SetNextRun(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.NextRunAt = next
	m.jobs[id] = job
	return nil
}

var (
	_ Store = (*PgStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
