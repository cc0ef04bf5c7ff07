package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) run(_ context.Context, pipelineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, pipelineID)
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fired...)
}

func newScheduler(t *testing.T, store Store, rec *recorder, now time.Time) *Scheduler {
	t.Helper()
	s, err := New(store, rec.run, Config{Spec: "0 3 * * *", MisfireGrace: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestNightlyToggleKeepsOneRegistration(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := newScheduler(t, store, &recorder{}, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, s.Sync(ctx, "p1", true))
	jobs, err := s.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "p1", jobs[0].ID)
	assert.Equal(t, time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC), jobs[0].NextRunAt)

	require.NoError(t, s.Sync(ctx, "p1", false))
	jobs, err = s.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, s.Sync(ctx, "p1", true))
	require.NoError(t, s.Sync(ctx, "p1", true))
	require.NoError(t, s.Register(ctx, "p1"))
	jobs, err = s.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSyncAdoptsChangedSchedule(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	stale := Job{ID: "p1", Spec: "30 1 * * *", NextRunAt: time.Date(2026, 4, 2, 1, 30, 0, 0, time.UTC)}
	require.NoError(t, store.Upsert(ctx, stale))

	s := newScheduler(t, store, &recorder{}, now)
	require.NoError(t, s.Sync(ctx, "p1", true))

	job, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", job.Spec)
	assert.Equal(t, time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC), job.NextRunAt)

	kept := job.NextRunAt
	s.now = func() time.Time { return now.Add(time.Hour) }
	require.NoError(t, s.Sync(ctx, "p1", true))
	job, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, kept, job.NextRunAt)
}

func TestDeregisterUnknownJob(t *testing.T) {
	s := newScheduler(t, NewMemoryStore(), &recorder{}, time.Now())
	assert.NoError(t, s.Deregister(context.Background(), "missing"))
}

func TestTick(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2026, 4, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		nextRunAt time.Time
		now       time.Time
		want      TickResult
		fired     []string
		next      time.Time
	}{
		{
			name:      "not due",
			nextRunAt: day(2, 3, 0),
			now:       day(1, 12, 0),
			want:      TickResult{},
			next:      day(2, 3, 0),
		},
		{
			name:      "on time",
			nextRunAt: day(2, 3, 0),
			now:       day(2, 3, 0),
			want:      TickResult{Fired: 1},
			fired:     []string{"p1"},
			next:      day(3, 3, 0),
		},
		{
			name:      "missed firings coalesce into one run",
			nextRunAt: day(2, 3, 0),
			now:       day(5, 3, 30),
			want:      TickResult{Fired: 1, Coalesced: 3},
			fired:     []string{"p1"},
			next:      day(6, 3, 0),
		},
		{
			name:      "later than grace is dropped",
			nextRunAt: day(2, 3, 0),
			now:       day(2, 5, 0),
			want:      TickResult{Dropped: 1},
			next:      day(3, 3, 0),
		},
		{
			name:      "coalesced firing past grace is dropped",
			nextRunAt: day(2, 3, 0),
			now:       day(4, 9, 0),
			want:      TickResult{Coalesced: 2, Dropped: 1},
			next:      day(5, 3, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			require.NoError(t, store.Upsert(ctx, Job{ID: "p1", Spec: DefaultSpec, NextRunAt: tt.nextRunAt}))
			rec := &recorder{}
			s := newScheduler(t, store, rec, tt.now)

			res, err := s.Tick(ctx, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.fired, rec.calls())

			job, err := store.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.next, job.NextRunAt)
		})
	}
}

func TestTickFiresOncePerSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := &recorder{}
	now := time.Date(2026, 4, 2, 3, 0, 10, 0, time.UTC)
	s := newScheduler(t, store, rec, now)

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, store.Upsert(ctx, Job{ID: id, Spec: DefaultSpec, NextRunAt: time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC)}))
	}

	res, err := s.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fired)

	res, err = s.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, res.Fired)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, rec.calls())
}

func TestTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	s, err := New(NewMemoryStore(), (&recorder{}).run, Config{Spec: "0 3 * * *", Location: berlin}, zerolog.Nop())
	require.NoError(t, err)

	next := s.Next(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 11, 2, 0, 0, 0, time.UTC), next.UTC())
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(NewMemoryStore(), (&recorder{}).run, Config{Spec: "every night"}, zerolog.Nop())
	assert.Error(t, err)
}
