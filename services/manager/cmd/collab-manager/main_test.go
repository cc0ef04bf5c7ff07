package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	return cmd.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "reap", "reconcile", "trigger"}, names)
}

func TestConfigIsRequired(t *testing.T) {
	t.Setenv("DB_DSN", "")
	err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
}

func TestTriggerValidatesPipelineID(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://collab@localhost/collab")

	err := execute(t, "trigger", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pipeline id")

	assert.Error(t, execute(t, "trigger"))
}
