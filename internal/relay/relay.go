// Package relay fans room messages out to every authority instance serving
// the same room, both presence updates and accepted-batch notices.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codecollab/server/internal/protocol"
)

var ErrClosed = errors.New("relay closed")

// Handler receives a relayed envelope together with the id of the instance
// that published it.
type Handler func(origin string, env protocol.Envelope)

// Relay is a best-effort pub/sub bus keyed by room. Delivery is asynchronous
// and may drop messages under load. Presence tolerates both; a lost batch
// notice only delays an instance until the next one, since batches are read
// back from shared storage.
type Relay interface {
	Publish(ctx context.Context, roomID, origin string, env protocol.Envelope) error
	// Subscribe registers fn for a room until the returned func is called.
	Subscribe(ctx context.Context, roomID string, fn Handler) (func(), error)
	Close() error
}

// message is the wire form shared by all relay implementations.
type message struct {
	Origin   string            `json:"origin"`
	Envelope protocol.Envelope `json:"envelope"`
}

func encode(origin string, env protocol.Envelope) ([]byte, error) {
	data, err := json.Marshal(message{Origin: origin, Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("encode relay message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return message{}, fmt.Errorf("decode relay message: %w", err)
	}
	if !msg.Envelope.Type.Valid() {
		return message{}, fmt.Errorf("decode relay message: %w: %s", protocol.ErrUnknownType, msg.Envelope.Type)
	}
	return msg, nil
}
