package domain

// ConversationContext is the short-lived working set of a conversation, derived from
// its most recent events. It is a view and is never persisted.
type ConversationContext struct {
	ConversationID string `json:"conversation_id"`
	// Recent lists entity ids per type, most recently touched first.
	Recent        map[EntityType][]string `json:"recent"`
	OpenQuestions []OpenQuestion          `json:"open_questions,omitempty"`
	WindowSize    int                     `json:"window_size"`
	LastEventID   int64                   `json:"last_event_id,omitempty"`
}

// OpenQuestion is a disambiguation the agent still owes the user: a reference that could
// not be resolved in a recent turn and was not followed by an accepted action.
type OpenQuestion struct {
	EventID    int64      `json:"event_id"`
	TurnID     string     `json:"turn_id"`
	EntityType EntityType `json:"entity_type"`
	Field      string     `json:"field"`
	Message    string     `json:"message"`
}

// MostRecent returns the last touched entity of the given type.
func (c ConversationContext) MostRecent(t EntityType) (string, bool) {
	ids := c.Recent[t]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}
