// Package schema declares the closed set of action kinds the agent may propose and the
// shape of their parameters. The registry is loaded once at startup and never changes.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/fastygo/chatcrm/domain"
)

//go:embed actions.yaml
var catalogue []byte

// ParamType is the primitive type of a parameter after coercion.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param describes one parameter of an action kind.
type Param struct {
	Name        string            `yaml:"name"`
	Type        ParamType         `yaml:"type"`
	Required    bool              `yaml:"required"`
	Enum        []string          `yaml:"enum"`
	Ref         domain.EntityType `yaml:"ref"`
	Target      bool              `yaml:"target"`
	Default     any               `yaml:"default"`
	Description string            `yaml:"description"`
}

// IsReference reports whether the parameter holds a foreign entity id.
func (p Param) IsReference() bool {
	return p.Ref != ""
}

// ParameterSchema is the declared shape of one action kind.
type ParameterSchema struct {
	Kind        string            `yaml:"kind"`
	Entity      domain.EntityType `yaml:"entity"`
	Verb        string            `yaml:"event"`
	Description string            `yaml:"description"`
	Origins     []domain.Origin   `yaml:"origins"`
	Params      []Param           `yaml:"params"`

	compiled *jsonschema.Schema
}

// EventKind is the kind of the event an accepted action produces.
func (s ParameterSchema) EventKind() string {
	return domain.Kind(s.Entity, s.Verb)
}

// Creates reports whether the action brings a new entity into existence.
func (s ParameterSchema) Creates() bool {
	_, ok := s.TargetParam()
	return !ok
}

// TargetParam returns the parameter naming the mutated entity.
func (s ParameterSchema) TargetParam() (Param, bool) {
	for _, p := range s.Params {
		if p.Target {
			return p, true
		}
	}
	return Param{}, false
}

// Param looks up a parameter by name.
func (s ParameterSchema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// AllowsOrigin reports whether the kind may be submitted from origin o.
func (s ParameterSchema) AllowsOrigin(o domain.Origin) bool {
	if len(s.Origins) == 0 {
		return o != domain.OriginImport
	}
	for _, allowed := range s.Origins {
		if allowed == o {
			return true
		}
	}
	return false
}

// Validate checks normalized parameters against the compiled JSON Schema of the kind.
func (s ParameterSchema) Validate(params map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	return s.compiled.Validate(params)
}

// Registry is the immutable catalogue of action kinds.
type Registry struct {
	schemas map[string]ParameterSchema
	kinds   []string
}

type document struct {
	Actions []ParameterSchema `yaml:"actions"`
}

// Default loads the catalogue embedded in the binary.
func Default() (*Registry, error) {
	return Load(catalogue)
}

// MustDefault panics if the embedded catalogue is invalid.
func MustDefault() *Registry {
	reg, err := Default()
	if err != nil {
		panic(err)
	}
	return reg
}

// Load parses a YAML catalogue and compiles a JSON Schema per kind.
func Load(raw []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode action catalogue: %w", err)
	}
	if len(doc.Actions) == 0 {
		return nil, fmt.Errorf("action catalogue is empty")
	}

	reg := &Registry{schemas: make(map[string]ParameterSchema, len(doc.Actions))}
	for _, spec := range doc.Actions {
		if spec.Kind == "" || spec.Entity == "" || spec.Verb == "" {
			return nil, fmt.Errorf("action %q: kind, entity and event are required", spec.Kind)
		}
		if _, dup := reg.schemas[spec.Kind]; dup {
			return nil, fmt.Errorf("action %q declared twice", spec.Kind)
		}
		for i, p := range spec.Params {
			switch p.Type {
			case TypeString, TypeNumber, TypeBoolean:
			default:
				return nil, fmt.Errorf("action %q param %q: unsupported type %q", spec.Kind, p.Name, p.Type)
			}
			spec.Params[i].Default = normalizeDefault(p)
		}
		compiled, err := compile(spec)
		if err != nil {
			return nil, err
		}
		spec.compiled = compiled
		reg.schemas[spec.Kind] = spec
		reg.kinds = append(reg.kinds, spec.Kind)
	}
	return reg, nil
}

// Describe returns the parameter schema of kind or domain.ErrUnknownActionKind.
func (r *Registry) Describe(kind string) (ParameterSchema, error) {
	spec, ok := r.schemas[kind]
	if !ok {
		return ParameterSchema{}, domain.WrapError(domain.ErrCodeNotFound, fmt.Sprintf("action kind %q", kind), domain.ErrUnknownActionKind)
	}
	return spec, nil
}

// Kinds lists the registered action kinds in declaration order.
func (r *Registry) Kinds() []string {
	out := make([]string, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// EntityOfEventKind maps an event kind back to its entity type when it is declared.
func (r *Registry) EntityOfEventKind(kind string) (domain.EntityType, bool) {
	for _, spec := range r.schemas {
		if spec.EventKind() == kind {
			return spec.Entity, true
		}
	}
	return "", false
}

// yaml decodes integers as int; parameters only ever hold JSON-native values.
func normalizeDefault(p Param) any {
	switch v := p.Default.(type) {
	case nil:
		return nil
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return v
	}
}

func compile(spec ParameterSchema) (*jsonschema.Schema, error) {
	properties := make(map[string]any, len(spec.Params))
	var required []string
	for _, p := range spec.Params {
		prop := map[string]any{"type": string(p.Type)}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.IsReference() {
			prop["minLength"] = 1
		}
		properties[p.Name] = prop
		if p.Required && !p.IsReference() {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("action %q: encode json schema: %w", spec.Kind, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://chatcrm.local/actions/%s.schema.json", spec.Kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("action %q: load json schema: %w", spec.Kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("action %q: compile json schema: %w", spec.Kind, err)
	}
	return compiled, nil
}
