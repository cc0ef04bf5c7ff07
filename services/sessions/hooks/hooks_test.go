package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmgr/services/gitclone"
	"collabmgr/services/operator"
	"collabmgr/services/operator/operatortest"
	"collabmgr/services/sessions"
	"collabmgr/services/tools"
)

func catalog() *tools.Catalog {
	return tools.New(tools.Tool{
		ID: "modeler",
		Persistent: tools.SessionCapability{
			Enabled:           true,
			MountingAllowed:   true,
			ConnectionMethods: []string{"xpra", "guac"},
		},
		Readonly: tools.SessionCapability{Enabled: true, ConnectionMethods: []string{"xpra"}},
		ConnectionMethods: []tools.ConnectionMethod{
			{ID: "xpra", Type: "http", Port: 10000, Path: "/?floating_menu=0"},
			{ID: "guac", Type: "guacamole", Port: 3389},
		},
		Versions:    []tools.Version{{ID: "7.0.0", Image: "modeler:7.0.0", ReadonlyImage: "modeler-ro:7.0.0"}},
		Environment: map[string]string{"WORKSPACE_LINK": "{SESSION_URL}files"},
	}, tools.Tool{
		ID:         "locked",
		Persistent: tools.SessionCapability{Enabled: true, ConnectionMethods: []string{"xpra"}},
		ConnectionMethods: []tools.ConnectionMethod{
			{ID: "xpra", Type: "http", Port: 10000},
		},
		Versions: []tools.Version{{ID: "1", Image: "locked:1"}},
	})
}

func newManager(t *testing.T, op *operatortest.Operator, store sessions.Store, hooks ...sessions.Hook) *sessions.Manager {
	t.Helper()
	id := "s12345"
	mgr, err := sessions.NewManager(sessions.Dependencies{
		Operator: op,
		Store:    store,
		Catalog:  catalog(),
		Hooks:    hooks,
		Logger:   zerolog.Nop(),
		NewID:    func() string { return id },
	})
	require.NoError(t, err)
	return mgr
}

func TestReadonlySessionSharesOneModelsVolume(t *testing.T) {
	op := operatortest.New()
	mgr := newManager(t, op, sessions.NewMemoryStore(),
		Environment{BaseURL: "https://collab.example.com"},
		ReadonlyWorkspace{Image: "registry.example.com/git-clone:1"},
		PersistentWorkspace{Operator: op},
	)

	s, _, err := mgr.CreateSession(context.Background(), sessions.Request{
		Owner:     "alice",
		ToolID:    "modeler",
		VersionID: "7.0.0",
		Type:      sessions.TypeReadonly,
		Provisioning: []gitclone.Repository{
			{URL: "https://git.example.com/coffee.git", Revision: "main", Depth: 1, Path: "coffee"},
			{URL: "https://git.example.com/tea.git", Revision: "release", Depth: 1, Path: "tea"},
		},
	})
	require.NoError(t, err)

	spec, ok := op.Workload(s.ID)
	require.True(t, ok)
	assert.Equal(t, "modeler-ro:7.0.0", spec.Image)

	require.Len(t, spec.InitContainers, 1)
	prep := spec.InitContainers[0]
	assert.Equal(t, sessions.PrepareContainer, prep.Name)

	require.Len(t, prep.Volumes, 1)
	require.Len(t, spec.Volumes, 1)
	assert.Equal(t, "s12345-models", prep.Volumes[0].Name)
	assert.Equal(t, prep.Volumes[0].Name, spec.Volumes[0].Name)
	assert.Equal(t, operator.VolumeEmpty, spec.Volumes[0].Source)

	repos, err := gitclone.Decode(prep.Env[gitclone.EnvRepositories])
	require.NoError(t, err)
	require.Len(t, repos, 2)
	for _, r := range repos {
		assert.Equal(t, 1, r.Depth)
	}

	assert.False(t, op.VolumeExists("persistent-session-alice"), "readonly sessions never touch durable volumes")
	assert.Equal(t, "https://collab.example.com/session/s12345/files", spec.Env["WORKSPACE_LINK"])
}

func TestPersistentWorkspaceCreatesVolumeOnce(t *testing.T) {
	op := operatortest.New()
	hook := PersistentWorkspace{Operator: op, Size: "5Gi"}
	tool, err := catalog().Tool("modeler")
	require.NoError(t, err)

	req := sessions.HookRequest{SessionID: "s1", Owner: "Alice@Example.com", Type: sessions.TypePersistent, Tool: tool}
	result, err := hook.Configure(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Volumes, 1)
	assert.Equal(t, "persistent-session-alice-example-com", result.Volumes[0].Claim)
	assert.Equal(t, operator.VolumePersistent, result.Volumes[0].Source)
	assert.True(t, op.VolumeExists("persistent-session-alice-example-com"))

	project := "Coffee Machine"
	req.ProjectID = &project
	result, err = hook.Configure(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "persistent-project-coffee-machine", result.Volumes[0].Claim)
}

func TestPersistentWorkspaceMountingNotAllowed(t *testing.T) {
	op := operatortest.New()
	mgr := newManager(t, op, sessions.NewMemoryStore(), PersistentWorkspace{Operator: op})

	_, _, err := mgr.CreateSession(context.Background(), sessions.Request{
		Owner: "bob", ToolID: "locked", VersionID: "1", Type: sessions.TypePersistent,
	})
	var denied *sessions.WorkspaceMountingNotAllowedError
	require.ErrorAs(t, err, &denied)
	assert.Empty(t, op.Created)
}

func TestSessionTokenLifecycle(t *testing.T) {
	op := operatortest.New()
	tokens := NewMemoryTokenStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hook := SessionToken{Store: tokens, TTL: time.Hour, Now: func() time.Time { return now }}
	records := sessions.NewMemoryStore()
	mgr := newManager(t, op, records, hook)
	ctx := context.Background()

	s, _, err := mgr.CreateSession(ctx, sessions.Request{Owner: "alice", ToolID: "modeler", VersionID: "7.0.0", Type: sessions.TypePersistent})
	require.NoError(t, err)

	spec, _ := op.Workload(s.ID)
	value := spec.Env["SESSION_TOKEN"]
	require.NotEmpty(t, value)
	assert.Equal(t, s.ID, spec.Env["SESSION_ID"])

	assert.NotContains(t, s.Environment, "SESSION_TOKEN")
	record, err := records.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.NotContains(t, record.Environment, "SESSION_TOKEN")
	for key, v := range record.Config {
		assert.NotEqual(t, value, v, "config %s holds the token", key)
	}

	stored, err := tokens.BySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEqual(t, value, stored[0].Hash)

	ok, err := hook.Verify(ctx, s.ID, value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hook.Verify(ctx, s.ID, "guess")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Hour)
	ok, err = hook.Verify(ctx, s.ID, value)
	require.NoError(t, err)
	assert.False(t, ok, "expired tokens are rejected")

	require.NoError(t, mgr.TerminateSession(ctx, s.ID))
	stored, err = tokens.BySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestConnectionHook(t *testing.T) {
	op := operatortest.New()
	cat := catalog()
	conn := Connection{Catalog: cat, BaseURL: "https://collab.example.com/"}
	mgr := newManager(t, op, sessions.NewMemoryStore(), conn, Networking{})
	ctx := context.Background()

	s, _, err := mgr.CreateSession(ctx, sessions.Request{
		Owner: "alice", ToolID: "modeler", VersionID: "7.0.0", Type: sessions.TypePersistent, ConnectionMethod: "guac",
	})
	require.NoError(t, err)

	spec, _ := op.Workload(s.ID)
	assert.Len(t, spec.Env[envRemotePassword], 64)
	assert.Equal(t, "guacamole", spec.Labels["collab.network/connection"])

	info, err := mgr.ConnectSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "guacamole", info.Type)
	assert.Equal(t, "https://collab.example.com/guacamole/#/client/s12345", info.URL)
	assert.Equal(t, remoteUser, info.Credentials["username"])
	assert.Equal(t, spec.Env[envRemotePassword], info.Credentials["password"])
}

func TestConnectionHookHTTP(t *testing.T) {
	conn := Connection{Catalog: catalog(), BaseURL: "https://collab.example.com"}
	info := sessions.ConnectionInfo{Credentials: map[string]string{}, Cookies: map[string]string{}}

	err := conn.Connect(context.Background(), sessions.Session{
		ID: "s9", ToolID: "modeler", Type: sessions.TypeReadonly, ConnectionMethod: "xpra",
	}, &info)
	require.NoError(t, err)
	assert.Equal(t, "https://collab.example.com/session/s9/?floating_menu=0", info.URL)
	assert.Empty(t, info.Cookies)
}

func TestSessionTokenConnectIssuesCookie(t *testing.T) {
	op := operatortest.New()
	tokens := NewMemoryTokenStore()
	hook := SessionToken{Store: tokens, TTL: time.Hour}
	mgr := newManager(t, op, sessions.NewMemoryStore(), Connection{Catalog: catalog(), BaseURL: "https://collab.example.com"}, hook)
	ctx := context.Background()

	s, _, err := mgr.CreateSession(ctx, sessions.Request{
		Owner: "alice", ToolID: "modeler", VersionID: "7.0.0", Type: sessions.TypePersistent, ConnectionMethod: "xpra",
	})
	require.NoError(t, err)

	first, err := mgr.ConnectSession(ctx, s.ID)
	require.NoError(t, err)
	cookie := first.Cookies[TokenCookie]
	require.NotEmpty(t, cookie)

	ok, err := hook.Verify(ctx, s.ID, cookie)
	require.NoError(t, err)
	assert.True(t, ok)

	second, err := mgr.ConnectSession(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, cookie, second.Cookies[TokenCookie])

	stored, err := tokens.BySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	for _, tok := range stored {
		assert.NotEqual(t, cookie, tok.Hash)
	}
}

func TestWorkspaceVolumeNames(t *testing.T) {
	name, labels := WorkspaceVolume("--Bob_Smith--", nil)
	assert.Equal(t, "persistent-session-bob-smith", name)
	assert.Equal(t, "bob-smith", labels["collab.workspace/owner"])

	empty := ""
	name, _ = WorkspaceVolume("carol", &empty)
	assert.Equal(t, "persistent-session-carol", name)
}
