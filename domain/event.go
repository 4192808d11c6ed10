package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Origin records who proposed a mutation.
type Origin string

const (
	OriginAI     Origin = "ai"
	OriginManual Origin = "manual"
	OriginImport Origin = "import"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginAI, OriginManual, OriginImport:
		return true
	}
	return false
}

// Event verbs. A kind is "<entity_type>.<verb>".
const (
	VerbCreated        = "created"
	VerbImported       = "imported"
	VerbUpdated        = "updated"
	VerbStatusChanged  = "status_changed"
	VerbActivityLogged = "activity_logged"
	VerbArchived       = "archived"
	VerbRestored       = "restored"
	VerbRejected       = "rejected"
)

// Kind joins an entity type and a verb.
func Kind(entityType EntityType, verb string) string {
	return string(entityType) + "." + verb
}

// Event is an immutable entry of the log. Events are never updated or deleted.
type Event struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"user_id"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id,omitempty"`
	Kind           string          `json:"kind"`
	Version        int             `json:"version"`
	Payload        json.RawMessage `json:"payload"`
	Origin         Origin          `json:"origin"`
	CausalityID    string          `json:"causality_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TurnID         string          `json:"turn_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Verb returns the part of the kind after the entity type.
func (e Event) Verb() string {
	if i := strings.LastIndexByte(e.Kind, '.'); i >= 0 {
		return e.Kind[i+1:]
	}
	return e.Kind
}

// IsRejection reports whether the event records a refused action.
func (e Event) IsRejection() bool {
	return e.Verb() == VerbRejected
}

// DecodePayload parses the event payload.
func (e Event) DecodePayload() (EventPayload, error) {
	var p EventPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, WrapError(ErrCodeInternal, "decode event payload", err)
	}
	return p, nil
}

// EventPayload is the JSON body carried by every event kind. Only the members relevant
// to the kind are set.
type EventPayload struct {
	Action      string            `json:"action,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
	Previous    map[string]any    `json:"previous,omitempty"`
	From        DealStatus        `json:"from,omitempty"`
	To          DealStatus        `json:"to,omitempty"`
	Override    bool              `json:"override,omitempty"`
	Compensates int64             `json:"compensates,omitempty"`
	Resolved    map[string]string `json:"resolved,omitempty"`

	ErrorKind  ErrorCode      `json:"error_kind,omitempty"`
	Violations []Violation    `json:"violations,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
}

// Encode marshals the payload.
func (p EventPayload) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, WrapError(ErrCodeInternal, "encode event payload", err)
	}
	return raw, nil
}
