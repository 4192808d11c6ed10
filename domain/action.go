package domain

import "strings"

// CandidateAction is an unvalidated mutation proposed by the model-calling layer.
type CandidateAction struct {
	Kind           string         `json:"kind"`
	Parameters     map[string]any `json:"parameters"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	Origin         Origin         `json:"origin,omitempty"`
	// ExpectedVersion pins the target entity version the proposal was made against.
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// CausalityID links events to the conversation turn that triggered them.
func (c CandidateAction) CausalityID() string {
	if c.ConversationID == "" && c.TurnID == "" {
		return ""
	}
	return c.ConversationID + ":" + c.TurnID
}

// IdempotencyKey identifies the single accepted outcome a turn may produce for a kind.
func (c CandidateAction) IdempotencyKey(userID string) string {
	if c.ConversationID == "" || c.TurnID == "" {
		return ""
	}
	return strings.Join([]string{userID, c.ConversationID, c.TurnID, c.Kind}, "/")
}

// EffectiveOrigin defaults an empty origin to ai.
func (c CandidateAction) EffectiveOrigin() Origin {
	if c.Origin == "" {
		return OriginAI
	}
	return c.Origin
}

// Stage names a validation pipeline stage.
type Stage string

const (
	StageSchema    Stage = "schema"
	StageReference Stage = "reference"
	StageBusiness  Stage = "business_rule"
	StageExecution Stage = "execution"
)

// Violation is one reason an action was refused.
type Violation struct {
	Stage   Stage  `json:"stage"`
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult is the output of the validation pipeline. Violations are ordered by
// stage; ErrorKind is set when Accepted is false.
type ValidationResult struct {
	Accepted   bool           `json:"accepted"`
	Normalized map[string]any `json:"normalized_parameters,omitempty"`
	Violations []Violation    `json:"violations,omitempty"`
	ErrorKind  ErrorCode      `json:"error_kind,omitempty"`
	// Resolved maps parameter names to how they were resolved ("explicit" or "context").
	Resolved map[string]string `json:"resolved,omitempty"`
}

// ValidatedAction is a candidate that passed validation against a store snapshot.
type ValidatedAction struct {
	UserID     string
	Candidate  CandidateAction
	Kind       string
	EntityType EntityType
	Verb       string
	Parameters map[string]any
	Resolved   map[string]string
	// Target is the snapshot of the mutated entity; nil for creating kinds.
	Target *Entity
}

// ExpectedVersion is the version the target must still have when the event is appended.
func (v ValidatedAction) ExpectedVersion() int {
	if v.Target == nil {
		return 0
	}
	return v.Target.Version
}

// ExecutionStatus is the outcome of a submission.
type ExecutionStatus string

const (
	StatusAccepted ExecutionStatus = "accepted"
	StatusRejected ExecutionStatus = "rejected"
)

// ExecutionResult is returned to the orchestration layer for every submission that
// reached the log.
type ExecutionResult struct {
	Status     ExecutionStatus `json:"status"`
	Event      Event           `json:"event"`
	Entity     *Entity         `json:"entity_snapshot,omitempty"`
	Violations []Violation     `json:"violations,omitempty"`
	ErrorKind  ErrorCode       `json:"error_kind,omitempty"`
}
