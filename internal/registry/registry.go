package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ToolDef describes one registered tool and the constraints the gateway
// enforces on its invocations.
type ToolDef struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description,omitempty"`
	RiskTier       string         `yaml:"risk_tier,omitempty"` // safe | elevated | destructive
	AllowNetwork   bool           `yaml:"allow_network,omitempty"`
	AllowSpawn     bool           `yaml:"allow_spawn,omitempty"`
	DenyPatterns   []string       `yaml:"deny_patterns,omitempty"` // substring, case-insensitive
	ArgumentSchema map[string]any `yaml:"argument_schema,omitempty"`

	compiled *jsonschema.Schema
}

// Registry holds the set of registered tools. Lookups are read-only after
// construction; hot-reload swaps the whole registry.
type Registry struct {
	tools map[string]*ToolDef
}

// New builds a Registry from tool definitions, compiling argument schemas.
func New(defs []ToolDef) (*Registry, error) {
	r := &Registry{tools: make(map[string]*ToolDef, len(defs))}
	for i := range defs {
		td := defs[i]
		if td.Name == "" {
			return nil, fmt.Errorf("tool definition %d has no name", i)
		}
		if td.ArgumentSchema != nil {
			sch, err := compileSchema(td.Name, td.ArgumentSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", td.Name, err)
			}
			td.compiled = sch
		}
		r.tools[td.Name] = &td
	}
	return r, nil
}

// NewDefault returns a Registry with the built-in tool set.
func NewDefault() *Registry {
	r, err := New(defaultTools)
	if err != nil {
		// Built-in definitions are static; a compile failure is a programming error.
		panic(fmt.Sprintf("registry: default tools invalid: %v", err))
	}
	return r
}

// Load reads tool definitions from a YAML file.
// Missing file falls back to the built-in defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewDefault(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, fmt.Errorf("read tool registry: %w", err)
	}

	var file struct {
		Tools []ToolDef `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	return New(file.Tools)
}

// Lookup returns the definition for a tool name, or nil if unregistered.
func (r *Registry) Lookup(name string) *ToolDef {
	return r.tools[name]
}

// ValidateArgs checks serialized arguments against the tool's schema and
// deny patterns. A nil return means the arguments are acceptable as input;
// risk scoring happens separately.
func (r *Registry) ValidateArgs(tool, argsJSON string) error {
	td := r.tools[tool]
	if td == nil {
		return nil // unregistered tools are assessed, not rejected here
	}

	lower := strings.ToLower(argsJSON)
	for _, p := range td.DenyPatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return fmt.Errorf("arguments match deny pattern %q", p)
		}
	}

	if td.compiled != nil && argsJSON != "" {
		var inst any
		if err := json.Unmarshal([]byte(argsJSON), &inst); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
		if err := td.compiled.Validate(inst); err != nil {
			return fmt.Errorf("arguments violate schema for %q: %w", tool, err)
		}
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal argument schema: %w", err)
	}
	var obj any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode argument schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, obj); err != nil {
		return nil, fmt.Errorf("add argument schema: %w", err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile argument schema: %w", err)
	}
	return sch, nil
}

// defaultTools is the built-in registry used when no registry file exists.
var defaultTools = []ToolDef{
	{
		Name:        "shell",
		Description: "Run a shell command in the sandbox",
		RiskTier:    "elevated",
	},
	{
		Name:        "python",
		Description: "Run a Python snippet in the sandbox",
		RiskTier:    "elevated",
	},
	{
		Name:         "http_fetch",
		Description:  "Fetch a URL",
		RiskTier:     "elevated",
		AllowNetwork: true,
		ArgumentSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
		},
	},
	{
		Name:        "file_read",
		Description: "Read a file from the workspace",
		RiskTier:    "safe",
		DenyPatterns: []string{
			"/etc/shadow", "id_rsa", ".aws/credentials", ".ssh/",
		},
		ArgumentSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	},
	{
		Name:        "db_query",
		Description: "Run a read-only SQL query",
		RiskTier:    "destructive",
		ArgumentSchema: map[string]any{
			"type":     "object",
			"required": []any{"query"},
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
	},
}
