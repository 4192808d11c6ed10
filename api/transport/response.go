package transport

import (
	"encoding/json"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
)

// Envelope is the standard API response wrapper used for both success and error payloads.
type Envelope struct {
	Status string      `json:"status"`
	Code   string      `json:"code,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  interface{} `json:"error,omitempty"`
	Meta   interface{} `json:"meta,omitempty"`
}

// NewSuccess returns a success envelope.
func NewSuccess(data interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "success",
		Data:   data,
		Meta:   meta,
	}
}

// NewError returns an error envelope with optional metadata.
func NewError(code string, err interface{}, meta interface{}) Envelope {
	return Envelope{
		Status: "error",
		Code:   code,
		Error:  err,
		Meta:   meta,
	}
}

// String returns the JSON representation (best-effort) for logging purposes.
func (e Envelope) String() string {
	out, err := json.Marshal(e)
	if err != nil {
		return "{}"
	}
	return string(out)
}

// NewResult wraps an execution result. The envelope status mirrors the result status and
// Code carries the rejection kind.
func NewResult(result domain.ExecutionResult) Envelope {
	return Envelope{
		Status: string(result.Status),
		Code:   string(result.ErrorKind),
		Data:   result,
	}
}

// ActionKind describes one entry of the action catalogue.
type ActionKind struct {
	Kind        string            `json:"kind"`
	Entity      domain.EntityType `json:"entity"`
	Event       string            `json:"event"`
	Description string            `json:"description,omitempty"`
	Origins     []domain.Origin   `json:"origins,omitempty"`
	Params      []ActionParam     `json:"params"`
}

type ActionParam struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Required    bool              `json:"required"`
	Enum        []string          `json:"enum,omitempty"`
	Ref         domain.EntityType `json:"ref,omitempty"`
	Target      bool              `json:"target,omitempty"`
	Default     any               `json:"default,omitempty"`
	Description string            `json:"description,omitempty"`
}

// NewCatalogue converts registry schemas into their wire form.
func NewCatalogue(specs []schema.ParameterSchema) []ActionKind {
	out := make([]ActionKind, 0, len(specs))
	for _, spec := range specs {
		kind := ActionKind{
			Kind:        spec.Kind,
			Entity:      spec.Entity,
			Event:       spec.EventKind(),
			Description: spec.Description,
			Origins:     spec.Origins,
			Params:      make([]ActionParam, 0, len(spec.Params)),
		}
		for _, p := range spec.Params {
			kind.Params = append(kind.Params, ActionParam{
				Name:        p.Name,
				Type:        string(p.Type),
				Required:    p.Required,
				Enum:        p.Enum,
				Ref:         p.Ref,
				Target:      p.Target,
				Default:     p.Default,
				Description: p.Description,
			})
		}
		out = append(out, kind)
	}
	return out
}
