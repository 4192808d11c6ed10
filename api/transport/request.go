package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fastygo/chatcrm/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SubmitActionRequest is the body of POST /api/v1/actions. Parameters are left untyped;
// the schema registry decides their shape.
type SubmitActionRequest struct {
	Kind            string         `json:"kind" validate:"required,max=64"`
	Parameters      map[string]any `json:"parameters"`
	ConversationID  string         `json:"conversation_id" validate:"required_with=TurnID,max=128"`
	TurnID          string         `json:"turn_id" validate:"max=128"`
	Origin          string         `json:"origin" validate:"omitempty,oneof=ai manual import"`
	ExpectedVersion *int           `json:"expected_version" validate:"omitempty,min=0"`
}

// Candidate converts the request into the core's input type.
func (r SubmitActionRequest) Candidate() domain.CandidateAction {
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return domain.CandidateAction{
		Kind:            r.Kind,
		Parameters:      params,
		ConversationID:  r.ConversationID,
		TurnID:          r.TurnID,
		Origin:          domain.Origin(r.Origin),
		ExpectedVersion: r.ExpectedVersion,
	}
}

// RollbackRequest is the optional body of POST /api/v1/events/{id}/rollback.
type RollbackRequest struct {
	Origin string `json:"origin" validate:"omitempty,oneof=ai manual"`
}

// Decode unmarshals body into dst and validates it. An empty body decodes to the zero value.
func Decode(body []byte, dst any) error {
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return domain.WrapError(domain.ErrCodeInvalid, "invalid payload", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return domain.WrapError(domain.ErrCodeInvalid, describe(err), err)
	}
	return nil
}

func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return "invalid payload"
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
