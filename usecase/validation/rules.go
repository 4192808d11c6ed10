package validation

import (
	"fmt"
	"strings"

	"github.com/fastygo/chatcrm/domain"
)

// RuleInput is everything a business rule may look at.
type RuleInput struct {
	Kind   string
	Entity domain.EntityType
	Params map[string]any
	// Target is the entity being mutated; nil for creating kinds.
	Target *domain.Entity
	Origin domain.Origin
}

// Rule returns the business-rule violations of one action, if any.
type Rule func(in RuleInput) []domain.Violation

// DefaultRules is the rule set applied to every submission, in reporting order.
func DefaultRules() []Rule {
	return []Rule{
		NonEmptyName,
		RequiredText,
		EmailFormat,
		NonNegativeValue,
		DealTransition,
	}
}

var dealTransitions = map[domain.DealStatus][]domain.DealStatus{
	domain.DealProspecting:   {domain.DealActive, domain.DealDead},
	domain.DealActive:        {domain.DealUnderContract, domain.DealDead},
	domain.DealUnderContract: {domain.DealClosed, domain.DealDead},
}

// LegalTransition reports whether a deal may move from one status to another without a
// manual override.
func LegalTransition(from, to domain.DealStatus) bool {
	for _, next := range dealTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonEmptyName requires a contact to keep a non-blank name after the action applies.
func NonEmptyName(in RuleInput) []domain.Violation {
	if in.Entity != domain.EntityContact {
		return nil
	}
	switch in.Kind {
	case "create_contact", "import_contact", "update_contact":
	default:
		return nil
	}

	name := func(field string) string {
		if v, ok := in.Params[field]; ok {
			s, _ := v.(string)
			return s
		}
		return in.Target.String(field)
	}
	if strings.TrimSpace(name("first_name")+name("last_name")) == "" {
		return []domain.Violation{businessViolation("first_name", "non_empty_name", "a contact must have a name")}
	}
	return nil
}

// requiredText names the free-text field each kind cannot accept blank. Contact names
// are covered by NonEmptyName.
var requiredText = map[string]string{
	"import_contact": "external_id",
	"log_activity":   "summary",
	"create_deal":    "title",
}

// RequiredText rejects a mandatory free-text field that was sent blank.
func RequiredText(in RuleInput) []domain.Violation {
	field, ok := requiredText[in.Kind]
	if !ok {
		return nil
	}
	if s, present := in.Params[field].(string); present && strings.TrimSpace(s) == "" {
		return []domain.Violation{businessViolation(field, "required_text", fmt.Sprintf("%s must not be blank", field))}
	}
	return nil
}

// EmailFormat checks the shape of a supplied email address. An absent or cleared email
// passes.
func EmailFormat(in RuleInput) []domain.Violation {
	email, _ := in.Params["email"].(string)
	if email == "" {
		return nil
	}
	local, host, ok := strings.Cut(email, "@")
	if !ok || local == "" || host == "" || strings.Contains(host, "@") || strings.ContainsAny(email, " \t") {
		return []domain.Violation{businessViolation("email", "email_format", fmt.Sprintf("%q is not an email address", email))}
	}
	return nil
}

// NonNegativeValue rejects a negative deal value.
func NonNegativeValue(in RuleInput) []domain.Violation {
	value, ok := in.Params["value"].(float64)
	if !ok || value >= 0 {
		return nil
	}
	return []domain.Violation{businessViolation("value", "non_negative_value", "deal value cannot be negative")}
}

// DealTransition enforces the deal pipeline. A manual override permits any move between
// distinct statuses; other origins cannot override.
func DealTransition(in RuleInput) []domain.Violation {
	if in.Kind != "update_deal_status" || in.Target == nil {
		return nil
	}
	raw, _ := in.Params["status"].(string)
	from, to := in.Target.Status(), domain.DealStatus(raw)
	override, _ := in.Params["override"].(bool)

	if override && in.Origin != domain.OriginManual {
		return []domain.Violation{businessViolation("override", "override_requires_manual",
			"only a manual action may override the deal pipeline")}
	}
	if from == to {
		return []domain.Violation{businessViolation("status", "status_unchanged",
			fmt.Sprintf("deal is already %s", to))}
	}
	if override {
		return nil
	}
	if !LegalTransition(from, to) {
		msg := fmt.Sprintf("cannot move deal from %s to %s", from, to)
		if from.IsTerminal() {
			msg = fmt.Sprintf("deal is %s and cannot change status", from)
		}
		return []domain.Violation{businessViolation("status", "legal_transition", msg)}
	}
	return nil
}

func businessViolation(field, rule, message string) domain.Violation {
	return domain.Violation{Stage: domain.StageBusiness, Field: field, Rule: rule, Message: message}
}
