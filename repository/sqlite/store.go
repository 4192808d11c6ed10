// Package sqlite stores the event log and projections in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fastygo/chatcrm/domain"
	"github.com/fastygo/chatcrm/repository"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crm_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		origin TEXT NOT NULL,
		causality_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS crm_events_idempotency ON crm_events (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS crm_events_entity ON crm_events (user_id, entity_id, id)`,
	`CREATE INDEX IF NOT EXISTS crm_events_conversation ON crm_events (user_id, conversation_id, id)`,
	`CREATE TABLE IF NOT EXISTS crm_entities (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		fields TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
}

const eventColumns = `id, user_id, entity_type, entity_id, kind, version, payload, origin, causality_id, conversation_id, turn_id, idempotency_key, created_at`

const entityColumns = `id, entity_type, user_id, version, fields, archived, created_at, updated_at`

type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// New wraps db without touching the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open wraps db and creates the tables when missing.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, event domain.Event) (domain.Event, error) {
	return s.Commit(ctx, repository.Mutation{Event: event})
}

func (s *Store) Commit(ctx context.Context, m repository.Mutation) (domain.Event, error) {
	ev := m.Event
	if ev.UserID == "" {
		return domain.Event{}, domain.ErrMissingUserID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ev.IdempotencyKey != "" {
		existing, err := scanEvent(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND idempotency_key = ?`,
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
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM crm_entities WHERE user_id = ? AND id = ?`,
			ev.UserID, m.Entity.ID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, fmt.Errorf("sqlite: read version: %w", err)
		}
		if current != m.ExpectedVersion {
			return domain.Event{}, domain.ErrVersionConflict
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO crm_events (user_id, entity_type, entity_id, kind, version, payload, origin, causality_id, conversation_id, turn_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, string(ev.EntityType), ev.EntityID, ev.Kind, ev.Version, string(ev.Payload), string(ev.Origin),
		ev.CausalityID, ev.ConversationID, ev.TurnID, nullString(ev.IdempotencyKey), ev.CreatedAt.UnixMicro(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Event{}, domain.ErrDuplicateCausality
		}
		return domain.Event{}, fmt.Errorf("sqlite: insert event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, fmt.Errorf("sqlite: event id: %w", err)
	}

	if m.Entity != nil {
		if err := upsertEntity(ctx, tx, ev.UserID, m.Entity); err != nil {
			return domain.Event{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	ev.CreatedAt = time.UnixMicro(ev.CreatedAt.UnixMicro()).UTC()
	return ev, nil
}

func (s *Store) RebuildProjection(ctx context.Context, entity *domain.Entity) error {
	if entity == nil || entity.ID == "" {
		return domain.ErrInvalidPayload
	}
	return upsertEntity(ctx, s.db, entity.UserID, entity)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntity(ctx context.Context, db execer, userID string, entity *domain.Entity) error {
	fields, err := json.Marshal(entity.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: encode fields: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO crm_entities (user_id, id, entity_type, version, fields, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, id) DO UPDATE
		SET entity_type = excluded.entity_type,
			version = excluded.version,
			fields = excluded.fields,
			archived = excluded.archived,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		userID, entity.ID, string(entity.Type), entity.Version, string(fields), boolInt(entity.Archived),
		entity.CreatedAt.UnixMicro(), entity.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert entity: %w", err)
	}
	return nil
}

func (s *Store) ReadSince(ctx context.Context, userID string, cursor int64, limit int) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND id > ? ORDER BY id LIMIT ?`,
		userID, cursor, repository.ClampPage(limit))
}

func (s *Store) ReadForEntity(ctx context.Context, userID, entityID string) ([]domain.Event, error) {
	if entityID == "" {
		return nil, nil
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND entity_id = ? ORDER BY id`,
		userID, entityID)
}

func (s *Store) ReadForConversation(ctx context.Context, userID, conversationID string, limit int) ([]domain.Event, error) {
	return s.queryEvents(ctx,
		`SELECT * FROM (
			SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		userID, conversationID, repository.ClampPage(limit))
}

func (s *Store) Get(ctx context.Context, userID string, id int64) (domain.Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND id = ?`, userID, id))
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Event, error) {
	if key == "" {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM crm_events WHERE user_id = ? AND idempotency_key = ?`, userID, key))
}

func (s *Store) GetEntity(ctx context.Context, userID, id string) (*domain.Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM crm_entities WHERE user_id = ? AND id = ?`, userID, id))
}

func (s *Store) ListEntities(ctx context.Context, userID string, filter repository.EntityFilter) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM crm_entities
		WHERE user_id = ?
		  AND (? = '' OR entity_type = ?)
		  AND (? = 1 OR archived = 0)
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?`,
		userID, string(filter.Type), string(filter.Type), boolInt(filter.IncludeArchived),
		repository.ClampList(filter.Limit), max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []domain.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list entities: %w", err)
	}
	return entities, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		ev         domain.Event
		entityType string
		payload    string
		origin     string
		key        sql.NullString
		createdAt  int64
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
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("sqlite: scan event: %w", err)
	}
	ev.EntityType = domain.EntityType(entityType)
	ev.Payload = json.RawMessage(payload)
	ev.Origin = domain.Origin(origin)
	ev.IdempotencyKey = key.String
	ev.CreatedAt = time.UnixMicro(createdAt).UTC()
	return ev, nil
}

func scanEntity(row scanner) (*domain.Entity, error) {
	var (
		entity     domain.Entity
		entityType string
		fields     string
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(
		&entity.ID,
		&entityType,
		&entity.UserID,
		&entity.Version,
		&fields,
		&entity.Archived,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEntityNotFound
		}
		return nil, fmt.Errorf("sqlite: scan entity: %w", err)
	}
	entity.Type = domain.EntityType(entityType)
	if err := json.Unmarshal([]byte(fields), &entity.Fields); err != nil {
		return nil, fmt.Errorf("sqlite: decode fields: %w", err)
	}
	entity.CreatedAt = time.UnixMicro(createdAt).UTC()
	entity.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return &entity, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
