// Package transport carries protocol envelopes between a client and the
// authority over a websocket, reconnecting after failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"codecollab/server/internal/protocol"
)

const writeWait = 10 * time.Second

// ErrBadFrame marks an inbound frame that could not be parsed. The
// connection stays usable.
var ErrBadFrame = errors.New("bad frame")

// Handler receives connection lifecycle events and inbound envelopes. All
// calls for one Run come from the same goroutine.
type Handler interface {
	Connected(s protocol.Sender)
	Handle(env protocol.Envelope) error
	Disconnected()
}

// Conn is a client websocket connection. Send is safe for concurrent use.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Receive blocks for the next envelope.
func (c *Conn) Receive() (protocol.Envelope, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	env, err := protocol.Parse(frame)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

type Options struct {
	URL             string
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o Options) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.InitialInterval > 0 {
		b.InitialInterval = o.InitialInterval
	}
	if o.MaxInterval > 0 {
		b.MaxInterval = o.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Run keeps a connection to opts.URL open and feeds it to h until ctx is
// cancelled. Every established connection is announced with Connected and
// every loss with Disconnected.
func Run(ctx context.Context, opts Options, h Handler) error {
	for {
		var conn *Conn
		err := backoff.RetryNotify(func() error {
			c, err := Dial(ctx, opts.URL)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, opts.backOff(ctx), func(err error, wait time.Duration) {
			log.Printf("connect failed url=%s retry=%s: %v", opts.URL, wait, err)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		h.Connected(conn)
		err = serve(ctx, conn, h)
		h.Disconnected()
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("connection lost url=%s: %v", opts.URL, err)
	}
}

func serve(ctx context.Context, conn *Conn, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		env, err := conn.Receive()
		if errors.Is(err, ErrBadFrame) {
			log.Printf("ignoring frame: %v", err)
			continue
		}
		if err != nil {
			return err
		}
		if err := h.Handle(env); err != nil {
			log.Printf("handle %s failed: %v", env.Type, err)
		}
	}
}
