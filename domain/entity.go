package domain

import "time"

// EntityType names a CRM projection kind.
type EntityType string

const (
	EntityContact EntityType = "contact"
	EntityDeal    EntityType = "deal"

	// EntityAction is used for rejection events whose action kind is unknown.
	EntityAction EntityType = "action"
)

// Entity is the current-state projection of a Contact or Deal. It only ever exists as
// the fold of its events; the executor is the only writer.
type Entity struct {
	ID        string         `json:"id"`
	Type      EntityType     `json:"type"`
	UserID    string         `json:"user_id"`
	Version   int            `json:"version"`
	Fields    map[string]any `json:"fields"`
	Archived  bool           `json:"archived"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no map with the receiver. Field values are scalars.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Fields != nil {
		cp.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// String returns a string field or "" when absent or not a string.
func (e *Entity) String(field string) string {
	if e == nil {
		return ""
	}
	if v, ok := e.Fields[field].(string); ok {
		return v
	}
	return ""
}

// Number returns a numeric field or 0.
func (e *Entity) Number(field string) float64 {
	if e == nil {
		return 0
	}
	if v, ok := e.Fields[field].(float64); ok {
		return v
	}
	return 0
}

// Status returns the deal status field.
func (e *Entity) Status() DealStatus {
	return DealStatus(e.String("status"))
}

// DealStatus is a step of the deal pipeline.
type DealStatus string

const (
	DealProspecting   DealStatus = "prospecting"
	DealActive        DealStatus = "active"
	DealUnderContract DealStatus = "under_contract"
	DealClosed        DealStatus = "closed"
	DealDead          DealStatus = "dead"
)

// IsTerminal reports whether no further transitions are allowed.
func (s DealStatus) IsTerminal() bool {
	return s == DealClosed || s == DealDead
}
