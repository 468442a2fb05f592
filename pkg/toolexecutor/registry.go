package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/dqagent/pkg/dataset"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a single check invocation.
const DefaultTimeout = 60 * time.Second

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// CheckFunc runs a check against a dataset. It must not modify ds.
type CheckFunc func(ctx context.Context, ds *dataset.Dataset, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a check's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     CheckFunc       `json:"-"`

	schema *gojsonschema.Schema
}

// Parameter returns the declared parameter called name.
func (d *ToolDefinition) Parameter(name string) (ToolParameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// ToolInfo describes a registered tool for listings.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Aliases     []string        `json:"aliases,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// Registry maps canonical tool keys and aliases to check definitions.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	aliases map[string]string
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		aliases: make(map[string]string),
		timeout: DefaultTimeout,
	}
}

// NormalizeName folds a tool name to its lookup key.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SetTimeout changes the per-invocation timeout. Zero or negative disables it.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// Register binds def under canonical and every alias. An existing binding for
// any of those keys is replaced without error.
func (r *Registry) Register(canonical string, def ToolDefinition, aliases ...string) error {
	key := NormalizeName(canonical)
	if key == "" {
		return fmt.Errorf("invalid tool definition: tool name cannot be empty")
	}
	def.Name = strings.TrimSpace(canonical)

	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}
	def.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[key]; exists {
		log.Debug().Str("tool", key).Msg("Tool re-registered, replacing previous handler")
	}
	r.tools[key] = &def

	for _, alias := range aliases {
		if a := NormalizeName(alias); a != "" {
			r.aliases[a] = key
		}
	}

	log.Debug().Str("tool", key).Strs("aliases", aliases).Msg("Tool registered")
	return nil
}

// Resolve looks a tool up by canonical name or alias. A miss is not an error;
// the caller decides whether it is fatal.
func (r *Registry) Resolve(name string) (*ToolDefinition, bool) {
	key := NormalizeName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	def, ok := r.tools[key]
	return def, ok
}

// List returns every canonical tool sorted by key, with its aliases.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byTool := make(map[string][]string)
	for alias, key := range r.aliases {
		byTool[key] = append(byTool[key], alias)
	}

	keys := make([]string, 0, len(r.tools))
	for k := range r.tools {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ToolInfo, 0, len(keys))
	for _, k := range keys {
		def := r.tools[k]
		aliases := byTool[k]
		sort.Strings(aliases)
		out = append(out, ToolInfo{
			Name:        def.Name,
			Description: def.Description,
			Aliases:     aliases,
			Parameters:  append([]ToolParameter(nil), def.Parameters...),
		})
	}
	return out
}

// Len returns the number of canonical tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema builds the input schema for declared parameters.
// additionalProperties stays open: planners over-generate inputs and those are
// filtered before validation rather than rejected.
func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}
