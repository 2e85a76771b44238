package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	room_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	room_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	client_id TEXT NOT NULL,
	operations TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, version)
);

CREATE TABLE IF NOT EXISTS clients (
	room_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	last_acked_version INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, client_id)
);
`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadDocument(ctx context.Context, roomID string) (Document, error) {
	doc := Document{RoomID: roomID}
	var updated int64
	row := s.db.QueryRowContext(ctx, `
		SELECT content, version, updated_at FROM documents WHERE room_id = ?
	`, roomID)
	switch err := row.Scan(&doc.Content, &doc.Version, &updated); {
	case errors.Is(err, sql.ErrNoRows):
		return doc, nil
	case err != nil:
		return Document{}, fmt.Errorf("load document %s: %w", roomID, err)
	}
	doc.UpdatedAt = time.Unix(updated, 0).UTC()
	return doc, nil
}

func (s *SQLiteStore) AppendBatch(ctx context.Context, batch Batch, content string) error {
	if err := batch.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(batch.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}
	now := time.Now().Unix()

	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	var current int64
	row := transaction.QueryRowContext(ctx, "SELECT version FROM documents WHERE room_id = ?", batch.RoomID)
	if err := row.Scan(&current); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read document version: %w", err)
	}
	if current != batch.Version-1 {
		return fmt.Errorf("%w: room %s is at version %d, batch is %d", ErrVersionConflict, batch.RoomID, current, batch.Version)
	}

	res, err := transaction.ExecContext(ctx, `
		INSERT OR IGNORE INTO batches (room_id, version, client_id, operations, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, batch.RoomID, batch.Version, batch.ClientID, string(payload), now)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: room %s already has version %d", ErrVersionConflict, batch.RoomID, batch.Version)
	}

	res, err = transaction.ExecContext(ctx, `
		INSERT INTO documents (room_id, content, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE documents.version = excluded.version - 1
	`, batch.RoomID, content, batch.Version, now)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: room %s is not at version %d", ErrVersionConflict, batch.RoomID, batch.Version-1)
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BatchesSince(ctx context.Context, roomID string, since int64) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, client_id, operations, created_at
		FROM batches
		WHERE room_id = ? AND version > ?
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

func (s *SQLiteStore) TouchClient(ctx context.Context, roomID, clientID string) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (room_id, client_id, last_acked_version, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(room_id, client_id) DO UPDATE SET updated_at = excluded.updated_at
	`, roomID, clientID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateClientCursor(ctx context.Context, roomID, clientID string, version int64) error {
	if clientID == "" {
		return errors.New("clientId is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (room_id, client_id, last_acked_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, client_id) DO UPDATE SET
			last_acked_version = MAX(clients.last_acked_version, excluded.last_acked_version),
			updated_at = excluded.updated_at
	`, roomID, clientID, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update client cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClientCursor(ctx context.Context, roomID, clientID string) (int64, error) {
	var version int64
	row := s.db.QueryRowContext(ctx, `
		SELECT last_acked_version FROM clients WHERE room_id = ? AND client_id = ?
	`, roomID, clientID)
	switch err := row.Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("client cursor: %w", err)
	}
	return version, nil
}
