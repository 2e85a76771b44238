// Package protocol defines the messages exchanged over a room connection.
// Every frame is a JSON envelope {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"codecollab/server/internal/textop"
)

var (
	// ErrUnknownType indicates an envelope whose type is not part of the protocol.
	ErrUnknownType = errors.New("unknown message type")

	// ErrNotConnected is returned by senders without a live connection.
	ErrNotConnected = errors.New("not connected")
)

type Type string

const (
	// Client to server
	MsgRequestSync Type = "request-sync"
	MsgSubmitOps   Type = "submit-ops"

	// Server to client
	MsgAck             Type = "ack"
	MsgBroadcastOps    Type = "broadcast-ops"
	MsgSync            Type = "sync"
	MsgProtocolError   Type = "protocol-error"
	MsgParticipantLeft Type = "participant-left"

	// Presence, both directions
	MsgCursorPosition  Type = "cursor-position"
	MsgSelectionChange Type = "selection-change"
)

func (t Type) Valid() bool {
	switch t {
	case MsgRequestSync, MsgSubmitOps, MsgAck, MsgBroadcastOps, MsgSync,
		MsgProtocolError, MsgParticipantLeft, MsgCursorPosition, MsgSelectionChange:
		return true
	}
	return false
}

// Envelope is the frame carried by the socket.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sender delivers envelopes to the other end of a connection.
type Sender interface {
	Send(env Envelope) error
}

type RequestSync struct {
	RoomID string `json:"roomId"`
}

type SubmitOps struct {
	RoomID      string             `json:"roomId"`
	Operations  []textop.Operation `json:"operations"`
	BaseVersion int64              `json:"baseVersion"`
	ClientID    string             `json:"clientId"`
}

type Ack struct {
	ClientID string `json:"clientId"`
	Version  int64  `json:"version"`
}

type BroadcastOps struct {
	Operations []textop.Operation `json:"operations"`
	Version    int64              `json:"version"`
	ClientID   string             `json:"clientId"`
}

// Sync is a full snapshot.
type Sync struct {
	Content string `json:"content"`
	Version int64  `json:"version"`
}

// Error codes carried by ProtocolError.
const (
	CodeStaleBase   = "stale-base"
	CodeApplyFailed = "apply-failed"
	CodeInternal    = "internal"
	CodeBadRequest  = "bad-request"
)

type ProtocolError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Presence is a cursor or selection update. Exactly one of Position and
// Selection is set.
type Presence struct {
	RoomID    string           `json:"roomId"`
	UserID    string           `json:"userId"`
	UserName  string           `json:"userName"`
	Position  *textop.Position `json:"position,omitempty"`
	Selection *textop.Range    `json:"selection,omitempty"`
}

type ParticipantLeft struct {
	UserID string `json:"userId"`
}

// New wraps data into an envelope of type t.
func New(t Type, data any) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: buf}, nil
}

// MustNew is New for payloads that always encode.
func MustNew(t Type, data any) Envelope {
	env, err := New(t, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Parse decodes a frame and validates its type.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Errorf builds a protocol-error envelope.
func Errorf(code, format string, args ...any) Envelope {
	return MustNew(MsgProtocolError, ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)})
}
