// Package syncclient keeps a local editor buffer converged with a room's
// authoritative document.
//
// Local edits flow Buffer -> LocalChange -> outbox -> submit-ops. At most one
// batch is in flight; edits made meanwhile wait in the outbox until the ack
// arrives, which keeps the authority's rebase identical to the client's. Remote
// batches flow Handle -> transform against pending edits -> Buffer. The two
// paths exclude each other: while the client mutates the buffer it is in the
// ApplyingRemote state and every change notification the buffer raises is
// dropped.
package syncclient

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"codecollab/server/internal/capture"
	"codecollab/server/internal/outbox"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/protocol"
)

type State int32

const (
	Idle State = iota
	AwaitingSync
	Synced
	// ApplyingRemote is reported while a remote batch or snapshot is being
	// written into the buffer.
	ApplyingRemote
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSync:
		return "awaiting-sync"
	case Synced:
		return "synced"
	case ApplyingRemote:
		return "applying-remote"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	RoomID   string
	ClientID string
	UserID   string
	UserName string

	// BatchWindow coalesces local edits; zero submits every change at once.
	BatchWindow time.Duration
	// AckTimeout forces a resync when the oldest pending batch stays
	// unacknowledged this long; zero disables it.
	AckTimeout time.Duration
	// SettleDelay keeps change notifications suppressed for a moment after a
	// programmatic mutation.
	SettleDelay time.Duration
	// PresenceDebounce delays cursor and selection broadcasts.
	PresenceDebounce time.Duration
}

type Client struct {
	opts     Options
	buf      Buffer
	sender   *switchSender
	presence *presence.Channel

	mu       sync.Mutex
	version  int64
	outbox   *outbox.Outbox
	ackTimer *time.Timer
	ackSeq   uint64
	// syncQueued defers a voluntary resync until the batch in flight is
	// acknowledged.
	syncQueued bool

	state       atomic.Int32
	applying    atomic.Bool
	settleUntil atomic.Int64
}

func New(buf Buffer, opts Options) *Client {
	c := &Client{opts: opts, buf: buf, sender: &switchSender{}}
	c.outbox = outbox.New(opts.ClientID, opts.BatchWindow, c.Flush)
	c.presence = presence.New(c.sender, c, presence.Options{
		RoomID:   opts.RoomID,
		UserID:   opts.UserID,
		UserName: opts.UserName,
		Debounce: opts.PresenceDebounce,
	})
	return c
}

func (c *Client) Presence() *presence.Channel {
	return c.presence
}

func (c *Client) State() State {
	if c.applying.Load() {
		return ApplyingRemote
	}
	return State(c.state.Load())
}

// Version returns the last authority version this client has reached.
func (c *Client) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Pending returns the unacknowledged batches, oldest first.
func (c *Client) Pending() []outbox.PendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox.Pending()
}

// Buffered reports how many operations wait for the next flush.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox.Buffered())
}

// Suppressed reports whether local notifications are currently ignored.
func (c *Client) Suppressed() bool {
	return c.applying.Load() || time.Now().UnixNano() < c.settleUntil.Load()
}

// Connected is called when a transport to the room is established, both on
// first join and after a reconnect.
func (c *Client) Connected(s protocol.Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.set(s)
	c.outbox.Reset()
	c.stopAckTimerLocked()
	c.requestSyncLocked(false)
}

// Disconnected is called when the transport is lost.
func (c *Client) Disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.set(nil)
	c.stopAckTimerLocked()
	c.syncQueued = false
	c.setState(Idle)
}

// LocalChange feeds an editor change notification into the outbox.
func (c *Client) LocalChange(ev capture.Event) {
	if c.Suppressed() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Synced {
		return
	}
	ops, err := capture.Capture(ev, c.opts.ClientID)
	if err != nil {
		log.Printf("capture failed room=%s client=%s: %v", c.opts.RoomID, c.opts.ClientID, err)
		c.requestSyncLocked(false)
		return
	}
	c.outbox.Add(ops)
	if c.opts.BatchWindow <= 0 {
		c.flushLocked()
	}
}

// Flush submits the buffered operations now.
func (c *Client) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Client) flushLocked() {
	if State(c.state.Load()) != Synced || c.outbox.Len() > 0 {
		return
	}
	batch, ok := c.outbox.Flush(c.version)
	if !ok {
		return
	}
	c.send(protocol.MsgSubmitOps, protocol.SubmitOps{
		RoomID:      c.opts.RoomID,
		Operations:  batch.Operations,
		BaseVersion: batch.BaseVersion,
		ClientID:    batch.ClientID,
	})
	if c.ackTimer == nil {
		c.armAckTimerLocked()
	}
}

// RequestSync asks the authority for a full snapshot. Buffered edits are
// submitted first so the snapshot can include them; while a batch is in
// flight the request waits for its ack.
func (c *Client) RequestSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) == Synced && c.outbox.Len() > 0 {
		c.syncQueued = true
		return
	}
	c.requestSyncLocked(true)
}

func (c *Client) requestSyncLocked(flush bool) {
	if flush {
		c.flushLocked()
	}
	c.syncQueued = false
	c.setState(AwaitingSync)
	c.send(protocol.MsgRequestSync, protocol.RequestSync{RoomID: c.opts.RoomID})
}

// Handle processes one message from the authority.
func (c *Client) Handle(env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgAck:
		var ack protocol.Ack
		if err := env.Decode(&ack); err != nil {
			return err
		}
		c.handleAck(ack)
	case protocol.MsgBroadcastOps:
		var b protocol.BroadcastOps
		if err := env.Decode(&b); err != nil {
			return err
		}
		c.handleRemote(b)
	case protocol.MsgSync:
		var s protocol.Sync
		if err := env.Decode(&s); err != nil {
			return err
		}
		c.handleSync(s)
	case protocol.MsgProtocolError:
		var pe protocol.ProtocolError
		if err := env.Decode(&pe); err != nil {
			return err
		}
		c.mu.Lock()
		log.Printf("protocol error room=%s client=%s code=%s: %s", c.opts.RoomID, c.opts.ClientID, pe.Code, pe.Message)
		c.requestSyncLocked(false)
		c.mu.Unlock()
	case protocol.MsgCursorPosition, protocol.MsgSelectionChange:
		var p protocol.Presence
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.presence.Receive(p)
	case protocol.MsgParticipantLeft:
		var left protocol.ParticipantLeft
		if err := env.Decode(&left); err != nil {
			return err
		}
		c.presence.Remove(left.UserID)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownType, env.Type)
	}
	return nil
}

func (c *Client) handleAck(ack protocol.Ack) {
	if ack.ClientID != c.opts.ClientID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != Synced {
		return
	}
	if !c.outbox.Ack(ack.Version) {
		log.Printf("unexpected ack room=%s client=%s version=%d known=%d pending=%d",
			c.opts.RoomID, c.opts.ClientID, ack.Version, c.version, c.outbox.Len())
		c.requestSyncLocked(false)
		return
	}
	c.version = ack.Version
	c.stopAckTimerLocked()
	if c.syncQueued {
		c.requestSyncLocked(true)
		return
	}
	c.flushLocked()
}

func (c *Client) handleRemote(b protocol.BroadcastOps) {
	if b.ClientID == c.opts.ClientID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != Synced || b.Version <= c.version {
		return
	}
	if b.Version > c.version+1 {
		log.Printf("version gap room=%s client=%s known=%d got=%d", c.opts.RoomID, c.opts.ClientID, c.version, b.Version)
		c.requestSyncLocked(false)
		return
	}
	ops := c.outbox.Rebase(b.Operations, b.Version)
	err := c.applyLocked(func() error { return c.buf.Apply(ops) })
	if err != nil {
		log.Printf("apply failed room=%s client=%s version=%d: %v", c.opts.RoomID, c.opts.ClientID, b.Version, err)
		c.requestSyncLocked(false)
		return
	}
	c.version = b.Version
}

func (c *Client) handleSync(s protocol.Sync) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox.Reset()
	c.stopAckTimerLocked()
	_ = c.applyLocked(func() error {
		if c.buf.Text() == s.Content {
			return nil
		}
		start, end := c.buf.Selection()
		c.buf.SetText(s.Content)
		c.buf.Select(start, end)
		return nil
	})
	c.version = s.Version
	c.presence.Clear()
	c.setState(Synced)
}

func (c *Client) applyLocked(fn func() error) error {
	c.applying.Store(true)
	defer func() {
		c.settleUntil.Store(time.Now().Add(c.opts.SettleDelay).UnixNano())
		c.applying.Store(false)
	}()
	return fn()
}

func (c *Client) armAckTimerLocked() {
	if c.opts.AckTimeout <= 0 || c.outbox.Len() == 0 {
		return
	}
	c.ackSeq++
	seq := c.ackSeq
	c.ackTimer = time.AfterFunc(c.opts.AckTimeout, func() { c.ackExpired(seq) })
}

func (c *Client) stopAckTimerLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.ackSeq++
}

func (c *Client) ackExpired(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.ackSeq || c.outbox.Len() == 0 {
		return
	}
	c.ackTimer = nil
	log.Printf("ack timeout room=%s client=%s pending=%d", c.opts.RoomID, c.opts.ClientID, c.outbox.Len())
	c.requestSyncLocked(false)
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) send(t protocol.Type, payload any) {
	if err := c.sender.Send(protocol.MustNew(t, payload)); err != nil {
		log.Printf("send %s failed room=%s client=%s: %v", t, c.opts.RoomID, c.opts.ClientID, err)
	}
}

// switchSender forwards to the current connection, if any.
type switchSender struct {
	mu sync.Mutex
	s  protocol.Sender
}

func (w *switchSender) set(s protocol.Sender) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.s = s
}

func (w *switchSender) Send(env protocol.Envelope) error {
	w.mu.Lock()
	s := w.s
	w.mu.Unlock()
	if s == nil {
		return protocol.ErrNotConnected
	}
	return s.Send(env)
}
