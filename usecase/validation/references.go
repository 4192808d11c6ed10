package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/internal/schema"
)

// Resolution sources recorded in ValidationResult.Resolved.
const (
	ResolvedExplicit = "explicit"
	ResolvedContext  = "context"
)

// resolveReferences checks every foreign id against the user's own entities. Missing ids
// fall back to the most recently touched entity of the conversation. Resolved ids are
// written back into params.
func (p *Pipeline) resolveReferences(ctx context.Context, userID string, spec schema.ParameterSchema, params map[string]any, cc domain.ConversationContext) (map[string]string, *domain.Entity, []domain.Violation, error) {
	var (
		resolved   = make(map[string]string)
		target     *domain.Entity
		violations []domain.Violation
	)

	for _, param := range spec.Params {
		if !param.IsReference() {
			continue
		}

		id, _ := params[param.Name].(string)
		source := ResolvedExplicit
		if id == "" {
			if !param.Required {
				continue
			}
			recent, ok := cc.MostRecent(param.Ref)
			if !ok {
				violations = append(violations, referenceViolation(param.Name, "unresolved",
					fmt.Sprintf("no %s given and none referenced earlier in this conversation", param.Ref)))
				continue
			}
			id, source = recent, ResolvedContext
		}

		entity, err := p.entities.GetEntity(ctx, userID, id)
		switch {
		case errors.Is(err, domain.ErrEntityNotFound):
			violations = append(violations, referenceViolation(param.Name, "not_found",
				fmt.Sprintf("%s %s does not exist", param.Ref, id)))
			continue
		case err != nil:
			return nil, nil, nil, err
		}
		if entity.Type != param.Ref {
			violations = append(violations, referenceViolation(param.Name, "type_mismatch",
				fmt.Sprintf("%s refers to a %s, expected a %s", id, entity.Type, param.Ref)))
			continue
		}
		if entity.Archived {
			violations = append(violations, referenceViolation(param.Name, "archived",
				fmt.Sprintf("%s %s is archived", param.Ref, id)))
			continue
		}

		params[param.Name] = id
		resolved[param.Name] = source
		if param.Target {
			target = entity
		}
	}

	if len(resolved) == 0 {
		resolved = nil
	}
	return resolved, target, violations, nil
}

func referenceViolation(field, rule, message string) domain.Violation {
	return domain.Violation{Stage: domain.StageReference, Field: field, Rule: rule, Message: message}
}
