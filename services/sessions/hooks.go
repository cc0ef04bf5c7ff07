package sessions

import (
	"context"
	"maps"

	"collabmgr/services/gitclone"
	"collabmgr/services/operator"
	"collabmgr/services/tools"
)

// Hook is a unit of cross-cutting session behaviour. A hook takes part in a
// lifecycle phase by implementing the matching capability interface below.
// Hooks run in the order they were passed to the Manager.
type Hook interface {
	Name() string
}

// HookRequest is the accumulated context a configuration hook sees.
type HookRequest struct {
	SessionID        string
	Owner            string
	Type             Type
	ProjectID        *string
	Tool             tools.Tool
	Version          tools.Version
	ConnectionMethod tools.ConnectionMethod
	Provisioning     []gitclone.Repository
	Config           map[string]any
	// Environment holds the variables contributed so far.
	Environment map[string]string
}

// HookResult is what a configuration hook contributes to the workload.
type HookResult struct {
	Environment map[string]string
	// SecretEnvironment reaches the workload only and is never stored with
	// the session.
	SecretEnvironment map[string]string
	Volumes           []operator.Volume
	InitContainers    []operator.Container
	Labels            map[string]string
	Annotations       map[string]string
	// Config is stored with the session and handed back to later phases.
	Config   map[string]any
	Warnings []string
}

// ConfigurationHook shapes the workload before it is created. An error aborts creation.
type ConfigurationHook interface {
	Hook
	Configure(ctx context.Context, req HookRequest) (HookResult, error)
}

// PostCreationHook runs after the workload and record exist. The returned map
// is merged into the session config.
type PostCreationHook interface {
	Hook
	AfterCreate(ctx context.Context, s Session) (map[string]any, error)
}

// ConnectionHook contributes to the connection details of a session.
type ConnectionHook interface {
	Hook
	Connect(ctx context.Context, s Session, info *ConnectionInfo) error
}

// TerminationHook runs before the workload of a session is deleted.
type TerminationHook interface {
	Hook
	BeforeTerminate(ctx context.Context, s Session) error
}

// assembly accumulates the results of all configuration hooks.
type assembly struct {
	env            map[string]string
	secretEnv      map[string]string
	volumes        []operator.Volume
	initContainers []operator.Container
	labels         map[string]string
	annotations    map[string]string
	config         map[string]any
	warnings       []string
}

func newAssembly(base map[string]string) *assembly {
	return &assembly{
		env:         maps.Clone(base),
		secretEnv:   map[string]string{},
		labels:      map[string]string{},
		annotations: map[string]string{},
		config:      map[string]any{},
	}
}

// merge folds one result in. Later keys overwrite earlier ones.
func (a *assembly) merge(r HookResult) {
	if a.secretEnv == nil {
		a.secretEnv = map[string]string{}
	}
	if a.env == nil {
		a.env = map[string]string{}
	}
	for k, v := range r.Environment {
		a.env[k] = v
		delete(a.secretEnv, k)
	}
	for k, v := range r.SecretEnvironment {
		a.secretEnv[k] = v
		delete(a.env, k)
	}
	maps.Copy(a.labels, r.Labels)
	maps.Copy(a.annotations, r.Annotations)
	maps.Copy(a.config, r.Config)
	a.volumes = append(a.volumes, r.Volumes...)
	a.initContainers = append(a.initContainers, r.InitContainers...)
	a.warnings = append(a.warnings, r.Warnings...)
}

// workloadEnv is the stored environment plus the secret values.
func (a *assembly) workloadEnv() map[string]string {
	env := make(map[string]string, len(a.env)+len(a.secretEnv))
	maps.Copy(env, a.env)
	maps.Copy(env, a.secretEnv)
	return env
}
