package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/repository"
)

const eventColumns = `id, user_id, entity_type, entity_id, kind, version, payload, origin, causality_id, conversation_id, turn_id, idempotency_key, created_at`

const entityColumns = `id, entity_type, user_id, version, fields, archived, created_at, updated_at`

type eventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a Postgres-backed Store. Writes for one user are serialized by a
// transaction-scoped advisory lock.
func NewEventStore(pool *pgxpool.Pool) repository.Store {
	return &eventStore{pool: pool}
}

func (r *eventStore) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	return r.Commit(ctx, repository.Mutation{Event: event})
}

func (r *eventStore) Commit(ctx context.Context, m repository.Mutation) (domain.Event, error) {
	ev := m.Event
	if ev.UserID == "" {
		return domain.Event{}, domain.ErrMissingUserID
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Event{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.UserID); err != nil {
		return domain.Event{}, fmt.Errorf("postgres: lock user: %w", err)
	}

	if ev.IdempotencyKey != "" {
		existing, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+eventColumns+` FROM crm_events WHERE user_id = $1 AND idempotency_key = $2`,
			ev.UserID, ev.IdempotencyKey))
		if err == nil {
			return existing, domain.ErrDuplicateCausality
		}
		if !errors.Is(err, domain.ErrEventNotFound) {
			return domain.Event{}, err
		}
	}

	if m.Entity != nil {
		var current int
		err := tx.QueryRow(ctx,
			`SELECT version FROM crm_entities WHERE user_id = $1 AND id = $2 FOR UPDATE`,
			ev.UserID, m.Entity.ID).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, fmt.Errorf("postgres: read version: %w", err)
		}
		if current != m.ExpectedVersion {
			return domain.Event{}, domain.ErrVersionConflict
		}
	}

	var payload []byte
	const insert = `
	INSERT INTO crm_events (user_id, entity_type, entity_id, kind, version, payload, origin, causality_id, conversation_id, turn_id, idempotency_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()))
	RETURNING id, payload, created_at
	`
	if err := tx.QueryRow(ctx, insert,
		ev.UserID,
		string(ev.EntityType),
		ev.EntityID,
		ev.Kind,
		ev.Version,
		[]byte(ev.Payload),
		string(ev.Origin),
		ev.CausalityID,
		ev.ConversationID,
		ev.TurnID,
		nullString(ev.IdempotencyKey),
		nullTime(ev.CreatedAt),
	).Scan(&ev.ID, &payload, &ev.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Event{}, domain.ErrDuplicateCausality
		}
		return domain.Event{}, fmt.Errorf("postgres: insert event: %w", err)
	}
	// jsonb normalizes the document; hand back what later reads will see
	ev.Payload = json.RawMessage(payload)
	ev.CreatedAt = ev.CreatedAt.UTC()

	if m.Entity != nil {
		if err := upsertEntity(ctx, tx, ev.UserID, m.Entity); err != nil {
			return domain.Event{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.Event{}, domain.ErrDuplicateCausality
		}
		return domain.Event{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return ev, nil
}

func (r *eventStore) RebuildProjection(ctx context.Context, entity *domain.Entity) error {
	if entity == nil || entity.ID == "" {
		return domain.ErrInvalidPayload
	}
	return upsertEntity(ctx, r.pool, entity.UserID, entity)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertEntity(ctx context.Context, db execer, userID string, entity *domain.Entity) error {
	const query = `
	INSERT INTO crm_entities (user_id, id, entity_type, version, fields, archived, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (user_id, id) DO UPDATE
	SET entity_type = EXCLUDED.entity_type,
		version = EXCLUDED.version,
		fields = EXCLUDED.fields,
		archived = EXCLUDED.archived,
		created_at = EXCLUDED.created_at,
		updated_at = EXCLUDED.updated_at
	`
	fields, err := json.Marshal(entity.Fields)
	if err != nil {
		return fmt.Errorf("postgres: encode fields: %w", err)
	}
	if _, err := db.Exec(ctx, query,
		userID,
		entity.ID,
		string(entity.Type),
		entity.Version,
		fields,
		entity.Archived,
		entity.CreatedAt,
		entity.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert entity: %w", err)
	}
	return nil
}

func (r *eventStore) ReadSince(ctx context.Context, userID string, cursor int64, limit int) ([]domain.Event, error) {
	const query = `
	SELECT ` + eventColumns + `
	FROM crm_events
	WHERE user_id = $1 AND id > $2
	ORDER BY id
	LIMIT $3
	`
	return r.queryEvents(ctx, query, userID, cursor, repository.ClampPage(limit))
}

func (r *eventStore) ReadForEntity(ctx context.Context, userID, entityID string) ([]domain.Event, error) {
	if entityID == "" {
		return nil, nil
	}
	const query = `
	SELECT ` + eventColumns + `
	FROM crm_events
	WHERE user_id = $1 AND entity_id = $2
	ORDER BY id
	`
	return r.queryEvents(ctx, query, userID, entityID)
}

func (r *eventStore) ReadForConversation(ctx context.Context, userID, conversationID string, limit int) ([]domain.Event, error) {
	const query = `
	SELECT * FROM (
		SELECT ` + eventColumns + `
		FROM crm_events
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY id DESC
		LIMIT $3
	) tail
	ORDER BY id
	`
	return r.queryEvents(ctx, query, userID, conversationID, repository.ClampPage(limit))
}

func (r *eventStore) Get(ctx context.Context, userID string, id int64) (domain.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM crm_events WHERE user_id = $1 AND id = $2`
	return scanEvent(r.pool.QueryRow(ctx, query, userID, id))
}

func (r *eventStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Event, error) {
	if key == "" {
		return domain.Event{}, domain.ErrEventNotFound
	}
	const query = `SELECT ` + eventColumns + ` FROM crm_events WHERE user_id = $1 AND idempotency_key = $2`
	return scanEvent(r.pool.QueryRow(ctx, query, userID, key))
}

func (r *eventStore) GetEntity(ctx context.Context, userID, id string) (*domain.Entity, error) {
	const query = `SELECT ` + entityColumns + ` FROM crm_entities WHERE user_id = $1 AND id = $2`
	return scanEntity(r.pool.QueryRow(ctx, query, userID, id))
}

func (r *eventStore) ListEntities(ctx context.Context, userID string, filter repository.EntityFilter) ([]domain.Entity, error) {
	const query = `
	SELECT ` + entityColumns + `
	FROM crm_entities
	WHERE user_id = $1
	  AND ($2 = '' OR entity_type = $2)
	  AND ($3 OR NOT archived)
	ORDER BY updated_at DESC, id
	LIMIT $4 OFFSET $5
	`
	rows, err := r.pool.Query(ctx, query, userID, string(filter.Type), filter.IncludeArchived,
		repository.ClampList(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("postgres: list entities: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}

func (r *eventStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (r *eventStore) Close() error {
	return nil
}

func (r *eventStore) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: read events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		ev         domain.Event
		entityType string
		payload    []byte
		origin     string
		key        *string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.UserID,
		&entityType,
		&ev.EntityID,
		&ev.Kind,
		&ev.Version,
		&payload,
		&origin,
		&ev.CausalityID,
		&ev.ConversationID,
		&ev.TurnID,
		&key,
		&ev.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("postgres: scan event: %w", err)
	}

	ev.EntityType = domain.EntityType(entityType)
	ev.Payload = make(json.RawMessage, len(payload))
	copy(ev.Payload, payload)
	ev.Origin = domain.Origin(origin)
	if key != nil {
		ev.IdempotencyKey = *key
	}
	// jsonb normalizes the document; hand back what later reads will see
	ev.Payload = json.RawMessage(payload)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func scanEntity(row pgx.Row) (*domain.Entity, error) {
	var (
		entity     domain.Entity
		entityType string
		fields     []byte
	)
	if err := row.Scan(
		&entity.ID,
		&entityType,
		&entity.UserID,
		&entity.Version,
		&fields,
		&entity.Archived,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntityNotFound
		}
		return nil, fmt.Errorf("postgres: scan entity: %w", err)
	}

	entity.Type = domain.EntityType(entityType)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &entity.Fields); err != nil {
			return nil, fmt.Errorf("postgres: decode fields: %w", err)
		}
	}
	entity.CreatedAt = entity.CreatedAt.UTC()
	entity.UpdatedAt = entity.UpdatedAt.UTC()
	return &entity, nil
}
