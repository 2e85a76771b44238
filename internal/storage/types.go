package storage

import (
	"errors"
	"fmt"
	"time"

	"codecollab/server/internal/textop"
)

var (
	// ErrVersionConflict indicates that a batch for the same room and version
	// is already stored, or the document is not at the preceding version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidBatch indicates a batch with missing metadata.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Document is the canonical text of a room.
type Document struct {
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Batch is an accepted operation batch, as ordered by the authority.
type Batch struct {
	RoomID     string             `json:"roomId"`
	Version    int64              `json:"version"`
	ClientID   string             `json:"clientId"`
	Operations []textop.Operation `json:"operations"`
	CreatedAt  time.Time          `json:"createdAt"`
}

func (b Batch) validate() error {
	if b.RoomID == "" || b.ClientID == "" || b.Version <= 0 {
		return fmt.Errorf("%w: room=%q client=%q version=%d", ErrInvalidBatch, b.RoomID, b.ClientID, b.Version)
	}
	return nil
}
