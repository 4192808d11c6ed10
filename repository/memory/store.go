// Package memory is an in-process Store used by tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/repository"
)

// Store keeps the event log and projections in memory behind one mutex, so Commit is
// trivially atomic.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	events   []domain.Event
	byKey    map[string]int
	entities map[string]*domain.Entity
	failure  error
	closed   bool
	now      func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		byKey:    make(map[string]int),
		entities: make(map[string]*domain.Entity),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetFailure makes every subsequent operation fail with err until called with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

func (s *Store) available(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return domain.ErrStorageUnavailable
	}
	if s.failure != nil {
		return domain.WrapError(domain.ErrCodeStorageUnavailable, "memory store", s.failure)
	}
	return nil
}

func scopedKey(userID, id string) string {
	return userID + "\x00" + id
}

func (s *Store) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	return s.Commit(ctx, repository.Mutation{Event: event})
}

func (s *Store) Commit(ctx context.Context, m repository.Mutation) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.available(ctx); err != nil {
		return domain.Event{}, err
	}

	ev := m.Event
	if ev.UserID == "" {
		return domain.Event{}, domain.ErrMissingUserID
	}
	if ev.IdempotencyKey != "" {
		if idx, ok := s.byKey[scopedKey(ev.UserID, ev.IdempotencyKey)]; ok {
			return copyEvent(s.events[idx]), domain.ErrDuplicateCausality
		}
	}
	if m.Entity != nil {
		current := 0
		if stored, ok := s.entities[scopedKey(ev.UserID, m.Entity.ID)]; ok {
			current = stored.Version
		}
		if current != m.ExpectedVersion {
			return domain.Event{}, domain.ErrVersionConflict
		}
	}

	s.nextID++
	ev.ID = s.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev = copyEvent(ev)
	s.events = append(s.events, ev)
	if ev.IdempotencyKey != "" {
		s.byKey[scopedKey(ev.UserID, ev.IdempotencyKey)] = len(s.events) - 1
	}
	if m.Entity != nil {
		s.entities[scopedKey(ev.UserID, m.Entity.ID)] = m.Entity.Clone()
	}
	return copyEvent(ev), nil
}

func (s *Store) RebuildProjection(ctx context.Context, entity *domain.Entity) error {
	if entity == nil || entity.ID == "" {
		return domain.ErrInvalidPayload
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(ctx); err != nil {
		return err
	}
	s.entities[scopedKey(entity.UserID, entity.ID)] = entity.Clone()
	return nil
}

func (s *Store) ReadSince(ctx context.Context, userID string, cursor int64, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	limit = repository.ClampPage(limit)
	// ids are 1-based and dense across users
	start := int(cursor)
	if start < 0 {
		start = 0
	}
	var out []domain.Event
	for i := start; i < len(s.events) && len(out) < limit; i++ {
		if s.events[i].UserID == userID {
			out = append(out, copyEvent(s.events[i]))
		}
	}
	return out, nil
}

func (s *Store) ReadForEntity(ctx context.Context, userID, entityID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return nil, err
	}
	var out []domain.Event
	for _, ev := range s.events {
		if ev.UserID == userID && ev.EntityID == entityID && entityID != "" {
			out = append(out, copyEvent(ev))
		}
	}
	return out, nil
}

func (s *Store) ReadForConversation(ctx context.Context, userID, conversationID string, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return nil, err
	}
	limit = repository.ClampPage(limit)
	var out []domain.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if ev.UserID == userID && ev.ConversationID == conversationID {
			out = append(out, copyEvent(ev))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, userID string, id int64) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return domain.Event{}, err
	}
	if id <= 0 || id > int64(len(s.events)) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	ev := s.events[id-1]
	if ev.UserID != userID {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return copyEvent(ev), nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return domain.Event{}, err
	}
	idx, ok := s.byKey[scopedKey(userID, key)]
	if !ok || key == "" {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return copyEvent(s.events[idx]), nil
}

func (s *Store) GetEntity(ctx context.Context, userID, id string) (*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return nil, err
	}
	entity, ok := s.entities[scopedKey(userID, id)]
	if !ok {
		return nil, domain.ErrEntityNotFound
	}
	return entity.Clone(), nil
}

func (s *Store) ListEntities(ctx context.Context, userID string, filter repository.EntityFilter) ([]domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.available(ctx); err != nil {
		return nil, err
	}

	var out []domain.Entity
	for _, entity := range s.entities {
		if entity.UserID != userID {
			continue
		}
		if filter.Type != "" && entity.Type != filter.Type {
			continue
		}
		if entity.Archived && !filter.IncludeArchived {
			continue
		}
		out = append(out, *entity.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if limit := repository.ClampList(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyEvent(ev domain.Event) domain.Event {
	if ev.Payload != nil {
		payload := make([]byte, len(ev.Payload))
		copy(payload, ev.Payload)
		ev.Payload = payload
	}
	return ev
}
