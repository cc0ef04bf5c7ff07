// Package tools holds the capability metadata of the engineering tools that
// sessions can be launched for. The catalog is read from a YAML file.
package tools

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"collabmgr/services/operator"
)

var (
	ErrToolNotFound    = errors.New("tool not found")
	ErrVersionNotFound = errors.New("tool version not found")
)

// SessionCapability describes whether and how a tool can run as one session type.
type SessionCapability struct {
	Enabled bool `yaml:"enabled"`
	// MountingAllowed permits persistent workspace volumes in this session type.
	MountingAllowed   bool     `yaml:"mounting_allowed"`
	ConnectionMethods []string `yaml:"connection_methods"`
}

// ConnectionMethod is one way a user can reach a running session.
type ConnectionMethod struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Type is "http" or "guacamole".
	Type        string            `yaml:"type"`
	Port        int               `yaml:"port"`
	Path        string            `yaml:"path"`
	Environment map[string]string `yaml:"environment"`
}

// Version is a concrete image of a tool.
type Version struct {
	ID            string `yaml:"id"`
	Image         string `yaml:"image"`
	ReadonlyImage string `yaml:"readonly_image"`
	BackupImage   string `yaml:"backup_image"`
}

// Tool is one entry of the catalog.
type Tool struct {
	ID                string             `yaml:"id"`
	Name              string             `yaml:"name"`
	Persistent        SessionCapability  `yaml:"persistent"`
	Readonly          SessionCapability  `yaml:"readonly"`
	ConnectionMethods []ConnectionMethod `yaml:"connection_methods"`
	Versions          []Version          `yaml:"versions"`
	Environment       map[string]string  `yaml:"environment"`
	Resources         Resources          `yaml:"resources"`
	MetricsPort       int                `yaml:"metrics_port"`
}

// Resources mirrors operator.Resources with YAML tags.
type Resources struct {
	CPURequest    string `yaml:"cpu_request"`
	CPULimit      string `yaml:"cpu_limit"`
	MemoryRequest string `yaml:"memory_request"`
	MemoryLimit   string `yaml:"memory_limit"`
}

func (r Resources) Operator() operator.Resources {
	return operator.Resources{
		CPURequest:    r.CPURequest,
		CPULimit:      r.CPULimit,
		MemoryRequest: r.MemoryRequest,
		MemoryLimit:   r.MemoryLimit,
	}
}

// Capability returns the capability entry for sessionType ("persistent" or "readonly").
func (t Tool) Capability(sessionType string) (SessionCapability, bool) {
	switch sessionType {
	case "persistent":
		return t.Persistent, true
	case "readonly":
		return t.Readonly, true
	default:
		return SessionCapability{}, false
	}
}

// ConnectionMethod resolves id among the methods allowed for sessionType. An
// empty id selects the first allowed method.
func (t Tool) ConnectionMethod(sessionType, id string) (ConnectionMethod, bool) {
	capability, ok := t.Capability(sessionType)
	if !ok {
		return ConnectionMethod{}, false
	}
	for _, allowed := range capability.ConnectionMethods {
		if id != "" && allowed != id {
			continue
		}
		for _, m := range t.ConnectionMethods {
			if m.ID == allowed {
				return m, true
			}
		}
	}
	return ConnectionMethod{}, false
}

// Version looks up a version by ID.
func (t Tool) Version(id string) (Version, bool) {
	for _, v := range t.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return Version{}, false
}

type document struct {
	Tools []Tool `yaml:"tools"`
}

// Catalog is a concurrency-safe, reloadable set of tools.
type Catalog struct {
	path string

	mu    sync.RWMutex
	tools map[string]Tool
}

// Load reads the catalog from path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML data without a backing file.
func Parse(data []byte) (*Catalog, error) {
	tools, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Catalog{tools: tools}, nil
}

// New builds a catalog from already constructed tools.
func New(tools ...Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		c.tools[t.ID] = t
	}
	return c
}

func parse(data []byte) (map[string]Tool, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tools catalog: %w", err)
	}

	tools := make(map[string]Tool, len(doc.Tools))
	for i, t := range doc.Tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tool %d: id is required", i)
		}
		if _, dup := tools[t.ID]; dup {
			return nil, fmt.Errorf("tool %s: duplicate id", t.ID)
		}
		for _, v := range t.Versions {
			if v.ID == "" || v.Image == "" {
				return nil, fmt.Errorf("tool %s: every version needs an id and an image", t.ID)
			}
		}
		tools[t.ID] = t
	}
	return tools, nil
}

// Reload re-reads the backing file. The previous catalog stays active on error.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return errors.New("catalog has no backing file")
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read tools catalog: %w", err)
	}
	tools, err := parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// Tool returns the tool with the given ID.
func (c *Catalog) Tool(id string) (Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[id]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return t, nil
}

// Resolve returns the tool and one of its versions.
func (c *Catalog) Resolve(toolID, versionID string) (Tool, Version, error) {
	t, err := c.Tool(toolID)
	if err != nil {
		return Tool{}, Version{}, err
	}
	v, ok := t.Version(versionID)
	if !ok {
		return Tool{}, Version{}, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, toolID, versionID)
	}
	return t, v, nil
}

// Len reports the number of tools in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
