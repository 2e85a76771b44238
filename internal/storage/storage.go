package storage

import "context"

// Store defines the persistence contract of the authority.
//
// Why this exists:
//   - The authority expresses ordering and versioning, not SQL details.
//   - SQLite and Postgres deployments must share identical version semantics.
//   - Tests can validate authority behavior via this abstraction.
type Store interface {
	// Init prepares schema/connection state needed before serving rooms.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// LoadDocument returns the canonical text and version of a room. A room
	// that was never written is an empty document at version 0.
	LoadDocument(ctx context.Context, roomID string) (Document, error)

	// AppendBatch atomically records an accepted batch and the resulting
	// content. The document must currently be at batch.Version-1.
	//
	// Why: the batch log and the canonical text must never disagree about the
	// latest version, or a restarted authority would hand out a stale snapshot.
	AppendBatch(ctx context.Context, batch Batch, content string) error

	// BatchesSince returns the batches with version > since, oldest first.
	//
	// Why: a freshly opened room rebuilds its rebase window from the log so
	// clients lagging a few versions are not forced to resync after a restart.
	BatchesSince(ctx context.Context, roomID string, since int64) ([]Batch, error)

	// TouchClient upserts a client record without advancing its cursor.
	TouchClient(ctx context.Context, roomID, clientID string) error

	// UpdateClientCursor records the last version acknowledged to a client
	// (monotonic, never regressing).
	UpdateClientCursor(ctx context.Context, roomID, clientID string, version int64) error

	// ClientCursor returns the last acknowledged version of a client, 0 when
	// unknown.
	ClientCursor(ctx context.Context, roomID, clientID string) (int64, error)
}
