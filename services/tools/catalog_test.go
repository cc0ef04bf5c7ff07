package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
tools:
  - id: modeler
    name: Modeler
    persistent:
      enabled: true
      mounting_allowed: true
      connection_methods: [xpra, guac]
    readonly:
      enabled: true
      connection_methods: [xpra]
    connection_methods:
      - id: guac
        type: guacamole
        port: 5900
      - id: xpra
        type: http
        port: 10000
        path: /session
    versions:
      - id: "7.0.0"
        image: registry.example.com/modeler:7.0.0
        readonly_image: registry.example.com/modeler-ro:7.0.0
  - id: viewer
    name: Viewer
    readonly:
      enabled: true
      connection_methods: [web]
    connection_methods:
      - id: web
        type: http
        port: 8080
    versions:
      - id: "1"
        image: registry.example.com/viewer:1
`

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	tool, version, err := c.Resolve("modeler", "7.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Modeler", tool.Name)
	assert.Equal(t, "registry.example.com/modeler-ro:7.0.0", version.ReadonlyImage)

	_, _, err = c.Resolve("modeler", "6.0.0")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = c.Tool("missing")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestParseCatalogRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "tools:\n  - name: x\n"},
		{"duplicate id", "tools:\n  - id: a\n  - id: a\n"},
		{"version without image", "tools:\n  - id: a\n    versions:\n      - id: '1'\n"},
		{"malformed", "tools: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestToolConnectionMethod(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	tool, err := c.Tool("modeler")
	require.NoError(t, err)

	m, ok := tool.ConnectionMethod("persistent", "")
	require.True(t, ok)
	assert.Equal(t, "xpra", m.ID)

	m, ok = tool.ConnectionMethod("persistent", "guac")
	require.True(t, ok)
	assert.Equal(t, 5900, m.Port)

	_, ok = tool.ConnectionMethod("readonly", "guac")
	assert.False(t, ok)

	_, ok = tool.ConnectionMethod("shared", "")
	assert.False(t, ok)

	viewer, err := c.Tool("viewer")
	require.NoError(t, err)
	assert.False(t, viewer.Persistent.Enabled)
}

func TestCatalogReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	require.NoError(t, os.WriteFile(path, []byte("tools: [\n"), 0o600))
	assert.Error(t, c.Reload())
	assert.Equal(t, 2, c.Len())
}

func TestCatalogWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, zerolog.Nop()) }()

	single := "tools:\n  - id: only\n    versions:\n      - id: '1'\n        image: img\n"
	assert.Eventually(t, func() bool {
		// Rewrite until the watcher has registered and picked the change up.
		_ = os.WriteFile(path, []byte(single), 0o600)
		return c.Len() == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
