package buffer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fastygo/chatcrm/domain"
)

// Delivery priorities; lower drains first.
const (
	PriorityAccepted = 2
	PriorityRejected = 4
)

// Item is an event notification waiting for the notification channel to come back.
type Item struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	EventID   int64           `json:"event_id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Priority  int             `json:"priority"`
	Retries   int             `json:"retries"`
	Timestamp time.Time       `json:"timestamp"`

	bucketKey []byte
}

// NewItem wraps a durable event for deferred delivery.
func NewItem(ev domain.Event) (Item, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Item{}, fmt.Errorf("buffer: encode event %d: %w", ev.ID, err)
	}
	priority := PriorityAccepted
	if ev.IsRejection() {
		priority = PriorityRejected
	}
	return Item{
		UserID:   ev.UserID,
		EventID:  ev.ID,
		Kind:     ev.Kind,
		Data:     data,
		Priority: priority,
	}, nil
}

// Event decodes the buffered event.
func (i Item) Event() (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(i.Data, &ev); err != nil {
		return ev, fmt.Errorf("buffer: decode item %s: %w", i.ID, err)
	}
	return ev, nil
}

func (i *Item) normalize(now time.Time) {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.Priority <= 0 || i.Priority > 5 {
		i.Priority = 3
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = now
	}
}

// key orders items by priority, then age, then event id.
func (i Item) key() []byte {
	return []byte(fmt.Sprintf("%d_%020d_%020d_%s", i.Priority, i.Timestamp.UnixNano(), i.EventID, i.ID))
}
