package repository

import (
	"context"

	"github.com/fastygo/chatcrm/domain"
)

// EventLog is the append-only record of every accepted mutation and every rejection.
// All reads are scoped to one user and ordered by event id.
type EventLog interface {
	// Append assigns the next id and persists the event. It fails only when storage is
	// unavailable, or with domain.ErrDuplicateCausality when the idempotency key is taken.
	Append(ctx context.Context, event domain.Event) (domain.Event, error)
	// ReadSince returns up to limit events with id > cursor.
	ReadSince(ctx context.Context, userID string, cursor int64, limit int) ([]domain.Event, error)
	ReadForEntity(ctx context.Context, userID, entityID string) ([]domain.Event, error)
	// ReadForConversation returns the last limit events of a conversation, oldest first.
	ReadForConversation(ctx context.Context, userID, conversationID string, limit int) ([]domain.Event, error)
	Get(ctx context.Context, userID string, id int64) (domain.Event, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Event, error)
}

type EntityFilter struct {
	Type            domain.EntityType
	IncludeArchived bool
	Limit           int
	Offset          int
}

// EntityStore is the read surface over current-state projections.
type EntityStore interface {
	GetEntity(ctx context.Context, userID, id string) (*domain.Entity, error)
	ListEntities(ctx context.Context, userID string, filter EntityFilter) ([]domain.Entity, error)
}

// Mutation is one atomic unit of work: an event plus the projection it produces.
type Mutation struct {
	Event domain.Event
	// Entity is the projection after applying Event; nil for rejections.
	Entity *domain.Entity
	// ExpectedVersion is the version the stored projection must have; 0 means it must not exist.
	ExpectedVersion int
}

// Store keeps the event log and the projections under one transaction boundary.
type Store interface {
	EventLog
	EntityStore
	// Commit appends the event and writes the projection atomically. It returns
	// domain.ErrVersionConflict when the projection moved past ExpectedVersion and
	// domain.ErrDuplicateCausality (with the stored event) when the key is taken.
	Commit(ctx context.Context, m Mutation) (domain.Event, error)
	// RebuildProjection overwrites a cached projection with a replayed snapshot.
	RebuildProjection(ctx context.Context, entity *domain.Entity) error
	Ping(ctx context.Context) error
	Close() error
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// ClampPage bounds a page size for event reads.
func ClampPage(limit int) int {
	return clampLimit(limit, 500)
}

// ClampList bounds a page size for entity listings.
func ClampList(limit int) int {
	return clampLimit(limit, 100)
}
