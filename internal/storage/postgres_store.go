package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		room_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		client_id TEXT NOT NULL,
		operations JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (room_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		room_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		last_acked_version BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (room_id, client_id)
	)`,
}

// PostgresStore implements Store on a pgx connection pool, for deployments
// that run several authority instances against one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) LoadDocument(ctx context.Context, roomID string) (Document, error) {
	doc := Document{RoomID: roomID}
	var updated int64
	err := s.pool.QueryRow(ctx,
		"SELECT content, version, updated_at FROM documents WHERE room_id = $1", roomID,
	).Scan(&doc.Content, &doc.Version, &updated)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return doc, nil
	case err != nil:
		return Document{}, fmt.Errorf("load document %s: %w", roomID, err)
	}
	doc.UpdatedAt = time.Unix(updated, 0).UTC()
	return doc, nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, batch Batch, content string) error {
	if err := batch.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(batch.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	now := time.Now().Unix()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row lock on the document serializes writers from other instances.
	var current int64
	err = tx.QueryRow(ctx,
		"SELECT version FROM documents WHERE room_id = $1 FOR UPDATE", batch.RoomID,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read document version: %w", err)
	}
	if current != batch.Version-1 {
		return fmt.Errorf("%w: room %s is at version %d, batch is %d", ErrVersionConflict, batch.RoomID, current, batch.Version)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO batches (room_id, version, client_id, operations, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, version) DO NOTHING
	`, batch.RoomID, batch.Version, batch.ClientID, string(payload), now)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: room %s already has version %d", ErrVersionConflict, batch.RoomID, batch.Version)
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO documents (room_id, content, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE SET
			content = EXCLUDED.content,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE documents.version = EXCLUDED.version - 1
	`, batch.RoomID, content, batch.Version, now)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: room %s is not at version %d", ErrVersionConflict, batch.RoomID, batch.Version-1)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) BatchesSince(ctx context.Context, roomID string, since int64) ([]Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, client_id, operations::text, created_at
		FROM batches
		WHERE room_id = $1 AND version > $2
		ORDER BY version ASC
	`, roomID, since)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := make([]Batch, 0)
	for rows.Next() {
		batch := Batch{RoomID: roomID}
		var payload string
		var created int64
		if err := rows.Scan(&batch.Version, &batch.ClientID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &batch.Operations); err != nil {
			return nil, fmt.Errorf("decode batch %s/%d: %w", roomID, batch.Version, err)
		}
		batch.CreatedAt = time.Unix(created, 0).UTC()
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func (s *PostgresStore) TouchClient(ctx context.Context, roomID, clientID string) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (room_id, client_id, last_acked_version, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (room_id, client_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, roomID, clientID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateClientCursor(ctx context.Context, roomID, clientID string, version int64) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (room_id, client_id, last_acked_version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, client_id) DO UPDATE SET
			last_acked_version = GREATEST(clients.last_acked_version, EXCLUDED.last_acked_version),
			updated_at = EXCLUDED.updated_at
	`, roomID, clientID, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update client cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClientCursor(ctx context.Context, roomID, clientID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		"SELECT last_acked_version FROM clients WHERE room_id = $1 AND client_id = $2", roomID, clientID,
	).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("client cursor: %w", err)
	}
	return version, nil
}
