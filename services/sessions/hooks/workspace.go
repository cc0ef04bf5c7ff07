// Package hooks contains the session hooks composed by the manager binary.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"collabmgr/services/gitclone"
	"collabmgr/services/operator"
	"collabmgr/services/sessions"
)

const (
	ModelsMountPath    = "/models"
	WorkspaceMountPath = "/workspace"

	defaultVolumeSize = "20Gi"
)

// ReadonlyWorkspace prepares readonly sessions: an init container clones the
// requested repositories into an empty volume that the tool container then
// mounts.
type ReadonlyWorkspace struct {
	// Image runs the git-clone helper.
	Image string
}

func (ReadonlyWorkspace) Name() string { return "readonly-workspace" }

func (h ReadonlyWorkspace) Configure(_ context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	if req.Type != sessions.TypeReadonly {
		return sessions.HookResult{}, nil
	}
	if h.Image == "" {
		return sessions.HookResult{}, errors.New("git clone image is not configured")
	}

	repos, err := gitclone.Encode(req.Provisioning)
	if err != nil {
		return sessions.HookResult{}, fmt.Errorf("encode repositories: %w", err)
	}

	volumeName := req.SessionID + "-models"
	shared := operator.Volume{Name: volumeName, Source: operator.VolumeEmpty, MountPath: ModelsMountPath}

	result := sessions.HookResult{
		Volumes: []operator.Volume{shared},
		InitContainers: []operator.Container{{
			Name:  sessions.PrepareContainer,
			Image: h.Image,
			Env: map[string]string{
				gitclone.EnvRepositories: repos,
				"WORKSPACE_ROOT":         ModelsMountPath,
			},
			Volumes: []operator.Volume{shared},
		}},
		Environment: map[string]string{"MODELS_DIR": ModelsMountPath},
	}
	if len(req.Provisioning) == 0 {
		result.Warnings = append(result.Warnings, "no models were selected, the workspace will be empty")
	}
	return result, nil
}

// PersistentWorkspace mounts the durable workspace of a user, or of a project
// when the session is project scoped. The volume is created on first use.
type PersistentWorkspace struct {
	Operator operator.Operator
	Size     string
}

func (PersistentWorkspace) Name() string { return "persistent-workspace" }

func (h PersistentWorkspace) Configure(ctx context.Context, req sessions.HookRequest) (sessions.HookResult, error) {
	if req.Type != sessions.TypePersistent {
		return sessions.HookResult{}, nil
	}
	if !req.Tool.Persistent.MountingAllowed {
		return sessions.HookResult{}, &sessions.WorkspaceMountingNotAllowedError{ToolID: req.Tool.ID}
	}
	if h.Operator == nil {
		return sessions.HookResult{}, errors.New("operator is required")
	}

	name, labels := WorkspaceVolume(req.Owner, req.ProjectID)
	exists, err := h.Operator.PersistentVolumeExists(ctx, name)
	if err != nil {
		return sessions.HookResult{}, fmt.Errorf("check workspace volume: %w", err)
	}
	if !exists {
		size := h.Size
		if size == "" {
			size = defaultVolumeSize
		}
		if err := h.Operator.CreatePersistentVolume(ctx, name, size, labels); err != nil {
			return sessions.HookResult{}, fmt.Errorf("create workspace volume: %w", err)
		}
	}

	return sessions.HookResult{
		Volumes: []operator.Volume{{
			Name:      "workspace",
			Source:    operator.VolumePersistent,
			Claim:     name,
			MountPath: WorkspaceMountPath,
		}},
		Environment: map[string]string{"WORKSPACE_DIR": WorkspaceMountPath},
		Config:      map[string]any{"workspace_volume": name},
	}, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// WorkspaceVolume names the persistent volume for an owner or project.
func WorkspaceVolume(owner string, projectID *string) (string, map[string]string) {
	if projectID != nil && *projectID != "" {
		p := sanitize(*projectID)
		return "persistent-project-" + p, map[string]string{"collab.workspace/project": p}
	}
	o := sanitize(owner)
	return "persistent-session-" + o, map[string]string{"collab.workspace/owner": o}
}

func sanitize(s string) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}
