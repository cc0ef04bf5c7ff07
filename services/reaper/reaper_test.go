package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmgr/services/idletime"
	"collabmgr/services/operator/operatortest"
	"collabmgr/services/sessions"
	"collabmgr/services/tools"
)

type stubAlerts struct {
	idle     []idletime.Sample
	warnings []idletime.Sample
	idleErr  error
	warnErr  error
}

func (s *stubAlerts) FiringIdleAlerts(context.Context) ([]idletime.Sample, error) {
	return s.idle, s.idleErr
}

func (s *stubAlerts) FiringWarningAlerts(context.Context) ([]idletime.Sample, error) {
	return s.warnings, s.warnErr
}

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

func manager(t *testing.T, op *operatortest.Operator, store sessions.Store, events sessions.Publisher, ids ...string) *sessions.Manager {
	t.Helper()
	catalog := tools.New(tools.Tool{
		ID:                "modeler",
		Persistent:        tools.SessionCapability{Enabled: true, ConnectionMethods: []string{"xpra"}},
		ConnectionMethods: []tools.ConnectionMethod{{ID: "xpra", Type: "http", Port: 10000}},
		Versions:          []tools.Version{{ID: "7.0.0", Image: "modeler:7.0.0"}},
	})
	next := 0
	mgr, err := sessions.NewManager(sessions.Dependencies{
		Operator: op,
		Store:    store,
		Catalog:  catalog,
		Events:   events,
		Logger:   zerolog.Nop(),
		NewID: func() string {
			id := ids[next]
			next++
			return id
		},
	})
	require.NoError(t, err)
	return mgr
}

func create(t *testing.T, mgr *sessions.Manager) sessions.Session {
	t.Helper()
	s, _, err := mgr.CreateSession(context.Background(), sessions.Request{
		Owner: "alice", ToolID: "modeler", VersionID: "7.0.0", Type: sessions.TypePersistent,
	})
	require.NoError(t, err)
	return s
}

func TestIdleAlertTerminatesSessionOnce(t *testing.T) {
	op := operatortest.New()
	store := sessions.NewMemoryStore()
	mgr := manager(t, op, store, nil, "12345", "67890")
	create(t, mgr)
	create(t, mgr)

	alerts := &stubAlerts{idle: []idletime.Sample{
		{SessionID: "12345", Value: 1},
		{SessionID: "12345", Value: 1},
	}}
	r, err := New(alerts, mgr, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reaped)
	assert.Equal(t, 1, op.KillCount("12345"))
	assert.Zero(t, op.KillCount("67890"))

	_, err = store.Get(context.Background(), "12345")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)
	_, err = store.Get(context.Background(), "67890")
	assert.NoError(t, err)
}

func TestIdleAlertWithoutRecordStillDeletesWorkload(t *testing.T) {
	op := operatortest.New()
	op.AddWorkload("orphan", map[string]string{sessions.LabelComponent: sessions.ComponentName}, time.Now())
	mgr := manager(t, op, sessions.NewMemoryStore(), nil)

	r, err := New(&stubAlerts{idle: []idletime.Sample{{SessionID: "orphan"}}}, mgr, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reaped)
	assert.Equal(t, []string{"orphan"}, op.Killed)
}

func TestAlertQueryFailureAppliesNothing(t *testing.T) {
	op := operatortest.New()
	mgr := manager(t, op, sessions.NewMemoryStore(), nil, "12345")
	create(t, mgr)

	r, err := New(&stubAlerts{
		idle:    []idletime.Sample{{SessionID: "12345"}},
		warnErr: errors.New("prometheus unavailable"),
	}, mgr, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, op.Killed)
}

func TestSingleFailureDoesNotStopBatch(t *testing.T) {
	op := operatortest.New()
	mgr := manager(t, op, sessions.NewMemoryStore(), nil, "a", "b")
	create(t, mgr)
	create(t, mgr)
	op.DeleteErr = errors.New("api server timeout")

	r, err := New(&stubAlerts{idle: []idletime.Sample{{SessionID: "a"}, {SessionID: "b"}}}, mgr, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"a", "b"}, op.Killed)
}

func TestWarningAlertFlagsSessionOnce(t *testing.T) {
	op := operatortest.New()
	store := sessions.NewMemoryStore()
	events := &recordingPublisher{}
	mgr := manager(t, op, store, events, "12345", "67890")
	create(t, mgr)
	create(t, mgr)
	events.subjects = nil

	alerts := &stubAlerts{
		idle:     []idletime.Sample{{SessionID: "67890"}},
		warnings: []idletime.Sample{{SessionID: "12345"}, {SessionID: "67890"}, {SessionID: "gone"}},
	}
	r, err := New(alerts, mgr, zerolog.Nop())
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)

	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Warned)

	s, err := store.Get(context.Background(), "12345")
	require.NoError(t, err)
	assert.True(t, s.Alerted)

	warnings := 0
	for _, subject := range events.subjects {
		if subject == sessions.IdleWarningTopic {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestRunStopsOnCancel(t *testing.T) {
	mgr := manager(t, operatortest.New(), sessions.NewMemoryStore(), nil)
	r, err := New(&stubAlerts{}, mgr, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.Error(t, r.Run(context.Background(), 0))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
