package monitor

import "time"

// Status is the last observed health of the storage and notification dependencies.
type Status struct {
	Storage    bool      `json:"storage"`
	Redis      bool      `json:"redis"`
	Outbox     bool      `json:"outbox"`
	OutboxSize int       `json:"outbox_size"`
	LastCheck  time.Time `json:"last_check"`
}

// Healthy reports whether submissions can be accepted.
func (s Status) Healthy() bool {
	return s.Storage
}
