package sessions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"collabmgr/services/operator"
	"collabmgr/services/tools"
)

const (
	CreatedTopic     = "collab.sessions.created"
	TerminatedTopic  = "collab.sessions.terminated"
	IdleWarningTopic = "collab.sessions.idle_warning"

	// LabelSessionID is set on every session workload and used by the metrics backend.
	LabelSessionID = "session_id"
	// LabelComponent marks workloads that belong to sessions.
	LabelComponent = "collab.component"
	ComponentName  = "session"

	connectionPortName = "connection"
	metricsPortName    = "metrics"
)

var (
	sessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_sessions_created_total",
		Help: "Sessions created, by tool and type.",
	}, []string{"tool", "type"})
	sessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sessions_terminated_total",
		Help: "Sessions terminated by users, administrators, or the idle reaper.",
	})
)

var tracer = otel.Tracer("collabmgr/services/sessions")

// Publisher sends lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Dependencies wires a Manager.
type Dependencies struct {
	Operator   operator.Operator
	Store      Store
	Catalog    *tools.Catalog
	Reconciler *Reconciler
	Hooks      []Hook
	Events     Publisher
	Logger     zerolog.Logger
	NewID      func() string
	Now        func() time.Time
}

// Manager owns the session lifecycle.
type Manager struct {
	operator   operator.Operator
	store      Store
	catalog    *tools.Catalog
	reconciler *Reconciler
	hooks      []Hook
	events     Publisher
	logger     zerolog.Logger
	newID      func() string
	now        func() time.Time
}

// NewManager validates the dependencies and applies defaults.
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Operator == nil {
		return nil, errors.New("operator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("tools catalog is required")
	}
	if deps.Reconciler == nil {
		deps.Reconciler = NewReconciler(deps.Operator, nil, deps.Logger)
	}
	if deps.NewID == nil {
		deps.NewID = NewID
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Manager{
		operator:   deps.Operator,
		store:      deps.Store,
		catalog:    deps.Catalog,
		reconciler: deps.Reconciler,
		hooks:      deps.Hooks,
		events:     deps.Events,
		logger:     deps.Logger.With().Str("component", "sessions").Logger(),
		newID:      deps.NewID,
		now:        deps.Now,
	}, nil
}

// NewID returns a session ID that is also a valid orchestrator object name.
func NewID() string {
	return "s" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// CreateSession validates req, runs the configuration hooks, creates the
// workload, and persists the record under the workload's name. If the record
// cannot be stored the workload is left for the garbage collector.
func (m *Manager) CreateSession(ctx context.Context, req Request) (Session, []string, error) {
	ctx, span := tracer.Start(ctx, "sessions.create")
	defer span.End()

	s, warnings, err := m.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, nil, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID), attribute.String("session.tool", s.ToolID))
	return s, warnings, nil
}

func (m *Manager) create(ctx context.Context, req Request) (Session, []string, error) {
	if err := req.Validate(); err != nil {
		return Session{}, nil, err
	}

	tool, version, err := m.catalog.Resolve(req.ToolID, req.VersionID)
	if err != nil {
		return Session{}, nil, &ValidationError{Err: err}
	}
	capability, ok := tool.Capability(string(req.Type))
	if !ok || !capability.Enabled {
		return Session{}, nil, &UnsupportedSessionTypeError{ToolID: tool.ID, Type: req.Type}
	}
	method, ok := tool.ConnectionMethod(string(req.Type), req.ConnectionMethod)
	if !ok {
		return Session{}, nil, &UnsupportedConnectionMethodError{ToolID: tool.ID, Method: req.ConnectionMethod}
	}

	id := m.newID()
	log := m.logger.With().Str("session_id", id).Str("owner", req.Owner).Logger()

	base := maps.Clone(tool.Environment)
	if base == nil {
		base = map[string]string{}
	}
	maps.Copy(base, method.Environment)
	base["SESSION_ID"] = id
	base["SESSION_TYPE"] = string(req.Type)
	if method.Port > 0 {
		base["CONNECTION_PORT"] = strconv.Itoa(method.Port)
	}

	acc := newAssembly(base)
	for _, h := range m.hooks {
		hook, ok := h.(ConfigurationHook)
		if !ok {
			continue
		}
		result, err := hook.Configure(ctx, HookRequest{
			SessionID:        id,
			Owner:            req.Owner,
			Type:             req.Type,
			ProjectID:        req.ProjectID,
			Tool:             tool,
			Version:          version,
			ConnectionMethod: method,
			Provisioning:     req.Provisioning,
			Config:           maps.Clone(req.Config),
			Environment:      maps.Clone(acc.env),
		})
		if err != nil {
			log.Warn().Err(err).Str("hook", hook.Name()).Msg("configuration hook rejected session")
			return Session{}, nil, err
		}
		acc.merge(result)
	}

	spec := m.workloadSpec(id, req, tool, version, method, acc)
	if _, err := m.operator.CreateWorkload(ctx, spec); err != nil {
		return Session{}, nil, fmt.Errorf("create session workload: %w", err)
	}

	s := Session{
		ID:               id,
		Owner:            req.Owner,
		ToolID:           tool.ID,
		ToolVersion:      version.ID,
		Type:             req.Type,
		ConnectionMethod: method.ID,
		ProjectID:        req.ProjectID,
		CreatedAt:        m.now().UTC(),
		Environment:      acc.env,
		Config:           acc.config,
	}
	if err := m.store.Create(ctx, s); err != nil {
		log.Error().Err(err).Msg("session record not stored, workload left for garbage collection")
		return Session{}, nil, fmt.Errorf("store session: %w", err)
	}

	m.runPostCreation(ctx, &s, log)
	sessionsCreated.WithLabelValues(tool.ID, string(req.Type)).Inc()
	m.publish(ctx, CreatedTopic, s)

	log.Info().Str("tool", tool.ID).Str("version", version.ID).Str("type", string(req.Type)).Msg("session created")
	return s, acc.warnings, nil
}

func (m *Manager) workloadSpec(id string, req Request, tool tools.Tool, version tools.Version, method tools.ConnectionMethod, acc *assembly) operator.WorkloadSpec {
	image := version.Image
	if req.Type == TypeReadonly && version.ReadonlyImage != "" {
		image = version.ReadonlyImage
	}

	labels := maps.Clone(acc.labels)
	labels[LabelSessionID] = id
	labels[LabelComponent] = ComponentName

	annotations := maps.Clone(acc.annotations)
	annotations["collab.session/owner"] = req.Owner
	annotations["collab.session/tool"] = tool.ID + ":" + version.ID

	ports := map[string]int{}
	if method.Port > 0 {
		ports[connectionPortName] = method.Port
	}
	if tool.MetricsPort > 0 {
		ports[metricsPortName] = tool.MetricsPort
	}

	return operator.WorkloadSpec{
		Name:           id,
		Kind:           operator.KindSession,
		Image:          image,
		Env:            acc.workloadEnv(),
		Volumes:        acc.volumes,
		InitContainers: acc.initContainers,
		Resources:      tool.Resources.Operator(),
		Labels:         labels,
		Annotations:    annotations,
		Ports:          ports,
	}
}

func (m *Manager) runPostCreation(ctx context.Context, s *Session, log zerolog.Logger) {
	updated := false
	for _, h := range m.hooks {
		hook, ok := h.(PostCreationHook)
		if !ok {
			continue
		}
		changes, err := hook.AfterCreate(ctx, *s)
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name()).Msg("post creation hook failed")
			continue
		}
		if len(changes) == 0 {
			continue
		}
		if s.Config == nil {
			s.Config = map[string]any{}
		}
		maps.Copy(s.Config, changes)
		updated = true
	}
	if !updated {
		return
	}
	if err := m.store.UpdateConfig(ctx, s.ID, s.Config); err != nil {
		log.Error().Err(err).Msg("persist session config")
	}
}

// GetSession returns the record merged with live orchestrator state.
func (m *Manager) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return m.reconciler.Reconcile(ctx, s), nil
}

// ListSessions returns the reconciled sessions of owner, or of everyone when owner is empty.
func (m *Manager) ListSessions(ctx context.Context, owner string) ([]Session, error) {
	list, err := m.store.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = m.reconciler.Reconcile(ctx, list[i])
	}
	return list, nil
}

// ConnectSession collects connection details from the connection hooks.
func (m *Manager) ConnectSession(ctx context.Context, id string) (ConnectionInfo, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return ConnectionInfo{}, err
	}

	info := ConnectionInfo{Credentials: map[string]string{}, Cookies: map[string]string{}}
	for _, h := range m.hooks {
		hook, ok := h.(ConnectionHook)
		if !ok {
			continue
		}
		if err := hook.Connect(ctx, s, &info); err != nil {
			return ConnectionInfo{}, fmt.Errorf("%s: %w", hook.Name(), err)
		}
	}
	return info, nil
}

// TerminateSession runs the termination hooks, deletes the workload, then the record.
func (m *Manager) TerminateSession(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.terminate(ctx, id, &s)
}

// Reap terminates a session that may already be partially gone. The workload
// is deleted even when no record exists, and deleting a missing workload or
// record is not an error.
func (m *Manager) Reap(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	switch {
	case err == nil:
		return m.terminate(ctx, id, &s)
	case errors.Is(err, ErrSessionNotFound):
		return m.terminate(ctx, id, nil)
	default:
		return err
	}
}

func (m *Manager) terminate(ctx context.Context, id string, s *Session) error {
	log := m.logger.With().Str("session_id", id).Logger()

	if s != nil {
		for _, h := range m.hooks {
			hook, ok := h.(TerminationHook)
			if !ok {
				continue
			}
			if err := hook.BeforeTerminate(ctx, *s); err != nil {
				log.Error().Err(err).Str("hook", hook.Name()).Msg("termination hook failed")
			}
		}
	}

	if err := m.operator.DeleteWorkload(ctx, id); err != nil {
		return fmt.Errorf("delete session workload: %w", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}

	sessionsTerminated.Inc()
	m.publish(ctx, TerminatedTopic, map[string]any{"session_id": id})
	log.Info().Msg("session terminated")
	return nil
}

// MarkAlerted flags a session whose owner was warned about idling. It reports
// false when the session had already been flagged.
func (m *Manager) MarkAlerted(ctx context.Context, id string) (bool, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Alerted {
		return false, nil
	}
	if err := m.store.SetAlerted(ctx, id, true); err != nil {
		return false, err
	}
	m.publish(ctx, IdleWarningTopic, map[string]any{"session_id": id, "owner": s.Owner, "tool_id": s.ToolID})
	return true, nil
}

// SessionsByID returns every stored session keyed by ID.
func (m *Manager) SessionsByID(ctx context.Context) (map[string]Session, error) {
	list, err := m.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Session, len(list))
	for _, s := range list {
		out[s.ID] = s
	}
	return out, nil
}

// DeleteRecord removes a record without touching the orchestrator.
func (m *Manager) DeleteRecord(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

func (m *Manager) publish(ctx context.Context, subject string, payload any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, subject, payload); err != nil {
		m.logger.Warn().Err(err).Str("subject", subject).Msg("publish session event")
	}
}
