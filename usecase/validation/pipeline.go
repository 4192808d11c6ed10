// Package validation turns an untrusted CandidateAction into a ValidatedAction. The
// pipeline runs three fail-fast stages in order (schema, reference, business rule) and
// never writes anything.
package validation

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
	"github.com/fastygo/chatcrm/repository"
)

// Pipeline validates candidates against the registry and a store snapshot.
type Pipeline struct {
	registry *schema.Registry
	entities repository.EntityStore
	rules    []Rule
	logger   *zap.Logger
}

func New(registry *schema.Registry, entities repository.EntityStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry: registry,
		entities: entities,
		rules:    DefaultRules(),
		logger:   logger,
	}
}

// Validate runs every stage for candidate on behalf of userID. The returned error is
// reserved for storage failures while resolving references; refusals are reported in the
// result. The ValidatedAction is nil unless the result is accepted.
func (p *Pipeline) Validate(ctx context.Context, userID string, candidate domain.CandidateAction, cc domain.ConversationContext) (domain.ValidationResult, *domain.ValidatedAction, error) {
	spec, params, violations := p.checkSchema(candidate)
	if len(violations) > 0 {
		return rejected(domain.ErrCodeSchemaViolation, params, nil, violations), nil, nil
	}

	resolved, target, violations, err := p.resolveReferences(ctx, userID, spec, params, cc)
	if err != nil {
		return domain.ValidationResult{}, nil, err
	}
	if len(violations) > 0 {
		return rejected(domain.ErrCodeReferenceError, params, resolved, violations), nil, nil
	}

	in := RuleInput{
		Kind:   spec.Kind,
		Entity: spec.Entity,
		Params: params,
		Target: target,
		Origin: candidate.EffectiveOrigin(),
	}
	for _, rule := range p.rules {
		violations = append(violations, rule(in)...)
	}
	if len(violations) > 0 {
		return rejected(domain.ErrCodeBusinessRule, params, resolved, violations), nil, nil
	}

	result := domain.ValidationResult{
		Accepted:   true,
		Normalized: params,
		Resolved:   resolved,
	}
	validated := &domain.ValidatedAction{
		UserID:     userID,
		Candidate:  candidate,
		Kind:       spec.Kind,
		EntityType: spec.Entity,
		Verb:       spec.Verb,
		Parameters: params,
		Resolved:   resolved,
		Target:     target,
	}
	return result, validated, nil
}

func rejected(code domain.ErrorCode, params map[string]any, resolved map[string]string, violations []domain.Violation) domain.ValidationResult {
	return domain.ValidationResult{
		Accepted:   false,
		Normalized: params,
		Violations: violations,
		ErrorKind:  code,
		Resolved:   resolved,
	}
}

// checkSchema resolves the kind, coerces declared parameters, fills defaults and drops
// anything undeclared.
func (p *Pipeline) checkSchema(candidate domain.CandidateAction) (schema.ParameterSchema, map[string]any, []domain.Violation) {
	spec, err := p.registry.Describe(candidate.Kind)
	if err != nil {
		return spec, nil, []domain.Violation{{
			Stage:   domain.StageSchema,
			Field:   "kind",
			Rule:    "unknown_kind",
			Message: fmt.Sprintf("action kind %q is not supported", candidate.Kind),
		}}
	}

	var violations []domain.Violation
	origin := candidate.EffectiveOrigin()
	if !origin.Valid() {
		violations = append(violations, schemaViolation("origin", "unknown_origin", fmt.Sprintf("origin %q is not one of ai, manual, import", origin)))
	} else if !spec.AllowsOrigin(origin) {
		violations = append(violations, schemaViolation("origin", "origin_not_allowed", fmt.Sprintf("%s cannot be submitted with origin %s", spec.Kind, origin)))
	}

	params := make(map[string]any, len(spec.Params))
	for _, param := range spec.Params {
		raw, present := candidate.Parameters[param.Name]
		if !present || raw == nil {
			if param.Default != nil {
				params[param.Name] = param.Default
				continue
			}
			if param.Required && !param.IsReference() {
				violations = append(violations, schemaViolation(param.Name, "required", fmt.Sprintf("%s is required", param.Name)))
			}
			continue
		}

		value, violation := coerceParam(param, raw)
		if violation != nil {
			violations = append(violations, *violation)
			continue
		}
		if value == nil && param.Required && !param.IsReference() {
			// A blank required text field is present; the rule stage decides whether it may stay blank.
			if len(param.Enum) == 0 && param.Type == schema.TypeString {
				params[param.Name] = ""
				continue
			}
			violations = append(violations, schemaViolation(param.Name, "required", fmt.Sprintf("%s must not be empty", param.Name)))
			continue
		}
		params[param.Name] = value
	}

	if dropped := undeclared(spec, candidate.Parameters); len(dropped) > 0 {
		p.logger.Debug("dropping undeclared parameters", zap.String("kind", spec.Kind), zap.Strings("params", dropped))
	}

	if len(violations) == 0 {
		if err := spec.Validate(present(params)); err != nil {
			violations = append(violations, schemaViolation("", "json_schema", err.Error()))
		}
	}
	return spec, params, violations
}

// coerceParam converts raw to the declared type. An empty string becomes nil, which
// clears the field on updates.
func coerceParam(param schema.Param, raw any) (any, *domain.Violation) {
	switch param.Type {
	case schema.TypeNumber:
		n, ok := coerceNumber(raw)
		if !ok {
			v := schemaViolation(param.Name, "type", fmt.Sprintf("%s must be a number", param.Name))
			return nil, &v
		}
		return n, nil
	case schema.TypeBoolean:
		b, ok := coerceBool(raw)
		if !ok {
			v := schemaViolation(param.Name, "type", fmt.Sprintf("%s must be true or false", param.Name))
			return nil, &v
		}
		return b, nil
	default:
		s, ok := coerceString(raw)
		if !ok {
			v := schemaViolation(param.Name, "type", fmt.Sprintf("%s must be a string", param.Name))
			return nil, &v
		}
		if s == "" {
			return nil, nil
		}
		if len(param.Enum) > 0 {
			canonical, ok := matchEnum(s, param.Enum)
			if !ok {
				v := schemaViolation(param.Name, "enum", fmt.Sprintf("%s must be one of %v", param.Name, param.Enum))
				return nil, &v
			}
			return canonical, nil
		}
		return s, nil
	}
}

func schemaViolation(field, rule, message string) domain.Violation {
	return domain.Violation{Stage: domain.StageSchema, Field: field, Rule: rule, Message: message}
}

func undeclared(spec schema.ParameterSchema, raw map[string]any) []string {
	var out []string
	for name := range raw {
		if _, ok := spec.Param(name); !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func present(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// Describe exposes the registry entry of kind.
func (p *Pipeline) Describe(kind string) (schema.ParameterSchema, error) {
	return p.registry.Describe(kind)
}
