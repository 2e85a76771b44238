// Package authority serializes edits per room. Each Room owns the canonical
// text and version of one document; every accepted batch is transformed,
// applied, persisted, acknowledged and broadcast inside the room's critical
// section, which gives all clients the same total order.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"codecollab/server/internal/protocol"
	"codecollab/server/internal/relay"
	"codecollab/server/internal/storage"
	"codecollab/server/internal/textop"
)

var (
	ErrStaleBase    = errors.New("stale base version")
	ErrApplyFailed  = errors.New("batch does not apply")
	ErrClosed       = errors.New("room closed")
	ErrSlowConsumer = errors.New("member queue full")
)

const relayCatchUpTimeout = 5 * time.Second

type Config struct {
	// StaleTolerance is how many versions a submit may lag behind.
	StaleTolerance int64
	// HistoryLimit bounds the accepted batches kept for rebasing.
	HistoryLimit int
	// QueueSize is the outbound buffer of each member.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{StaleTolerance: 64, HistoryLimit: 256, QueueSize: 256}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleTolerance <= 0 {
		c.StaleTolerance = d.StaleTolerance
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

type Room struct {
	id     string
	cfg    Config
	store  storage.Store
	relay  relay.Relay
	origin string

	mu          sync.Mutex
	content     string
	version     int64
	history     []storage.Batch
	members     map[string]*Member
	closed      bool
	unsubscribe func()
}

func openRoom(ctx context.Context, id string, cfg Config, store storage.Store, rl relay.Relay, origin string) (*Room, error) {
	r := &Room{
		id:      id,
		cfg:     cfg.withDefaults(),
		store:   store,
		relay:   rl,
		origin:  origin,
		members: make(map[string]*Member),
	}
	if err := r.loadLocked(ctx); err != nil {
		return nil, err
	}
	if rl != nil {
		unsubscribe, err := rl.Subscribe(ctx, id, r.relayed)
		if err != nil {
			return nil, fmt.Errorf("subscribe relay room=%s: %w", id, err)
		}
		r.unsubscribe = unsubscribe
	}
	return r, nil
}

// loadLocked replaces the in-memory state with the stored document and the
// tail of its batch log.
func (r *Room) loadLocked(ctx context.Context) error {
	doc, err := r.store.LoadDocument(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.id, err)
	}
	since := doc.Version - int64(r.cfg.HistoryLimit)
	if since < 0 {
		since = 0
	}
	history, err := r.store.BatchesSince(ctx, r.id, since)
	if err != nil {
		return fmt.Errorf("load history %s: %w", r.id, err)
	}
	// Only a gap-free tail ending at doc.Version is usable for rebasing.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version != doc.Version-int64(len(history)-1-i) {
			history = history[i+1:]
			break
		}
	}
	r.content = doc.Content
	r.version = doc.Version
	r.history = history
	return nil
}

func (r *Room) ID() string {
	return r.id
}

// Snapshot returns the canonical text and its version.
func (r *Room) Snapshot() (string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content, r.version
}

func (r *Room) Members() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Join registers a new connection. The member receives nothing until it asks
// for a sync.
func (r *Room) Join(ctx context.Context, p Participant) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p.ClientID == "" {
		p.ClientID = uuid.NewString()
	}
	m := newMember(uuid.NewString(), p, r.cfg.QueueSize)
	r.members[m.ID] = m
	if err := r.store.TouchClient(ctx, r.id, p.ClientID); err != nil {
		log.Printf("touch client failed room=%s client=%s: %v", r.id, p.ClientID, err)
	}
	log.Printf("member joined room=%s client=%s user=%s members=%d", r.id, p.ClientID, p.UserID, len(r.members))
	return m, nil
}

// Leave removes m and tells the others. It returns how many members remain.
func (r *Room) Leave(ctx context.Context, m *Member) int {
	r.mu.Lock()
	left, ok := r.removeLocked(m)
	remaining := len(r.members)
	r.mu.Unlock()
	if ok {
		r.publish(ctx, left)
	}
	return remaining
}

func (r *Room) removeLocked(m *Member) (protocol.Envelope, bool) {
	if _, ok := r.members[m.ID]; !ok {
		return protocol.Envelope{}, false
	}
	delete(r.members, m.ID)
	m.close()
	log.Printf("member left room=%s client=%s user=%s members=%d", r.id, m.ClientID, m.UserID, len(r.members))
	env := protocol.MustNew(protocol.MsgParticipantLeft, protocol.ParticipantLeft{UserID: m.UserID})
	r.fanoutLocked(env, m)
	return env, true
}

// SyncMember sends the current snapshot to m.
func (r *Room) SyncMember(m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	env := protocol.MustNew(protocol.MsgSync, protocol.Sync{Content: r.content, Version: r.version})
	if err := m.Send(env); err != nil {
		r.removeLocked(m)
		return err
	}
	return nil
}

// Submit accepts a batch proposed by m against baseVersion. The accepted
// batch is announced to other instances once the room lock is released.
func (r *Room) Submit(ctx context.Context, m *Member, baseVersion int64, ops []textop.Operation) (int64, error) {
	r.mu.Lock()
	version, announce, err := r.submitLocked(ctx, m, baseVersion, ops)
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	r.publish(ctx, announce)
	return version, nil
}

func (r *Room) submitLocked(ctx context.Context, m *Member, baseVersion int64, ops []textop.Operation) (int64, protocol.Envelope, error) {
	var none protocol.Envelope
	if r.closed {
		return 0, none, ErrClosed
	}

	oldest := r.version - int64(len(r.history))
	if baseVersion > r.version || r.version-baseVersion > r.cfg.StaleTolerance || baseVersion < oldest {
		return 0, none, fmt.Errorf("%w: base=%d current=%d oldest=%d", ErrStaleBase, baseVersion, r.version, oldest)
	}

	// A client submits its next batch only after the previous one was
	// acknowledged, so every newer history batch is concurrent with ops.
	for _, h := range r.history {
		if h.Version <= baseVersion {
			continue
		}
		if h.ClientID == m.ClientID {
			return 0, none, fmt.Errorf("%w: client already has version %d after base %d", ErrStaleBase, h.Version, baseVersion)
		}
		_, ops = textop.TransformBatch(h.Operations, ops)
	}

	next, err := textop.ApplyAll(r.content, ops)
	if err != nil {
		return 0, none, fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	batch := storage.Batch{RoomID: r.id, Version: r.version + 1, ClientID: m.ClientID, Operations: ops}
	if err := r.store.AppendBatch(ctx, batch, next); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// Another instance moved the document; catch up so local members
			// see its batches, and let the client resync.
			r.catchUpLocked(ctx)
			return 0, none, fmt.Errorf("%w: %v", ErrStaleBase, err)
		}
		return 0, none, fmt.Errorf("persist batch: %w", err)
	}
	r.acceptLocked(batch, next)

	if err := m.Send(protocol.MustNew(protocol.MsgAck, protocol.Ack{ClientID: m.ClientID, Version: r.version})); err != nil {
		r.removeLocked(m)
	}
	if err := r.store.UpdateClientCursor(ctx, r.id, m.ClientID, r.version); err != nil {
		log.Printf("update cursor failed room=%s client=%s: %v", r.id, m.ClientID, err)
	}
	announce := broadcastFor(batch)
	r.fanoutLocked(announce, m)
	return r.version, announce, nil
}

func broadcastFor(b storage.Batch) protocol.Envelope {
	return protocol.MustNew(protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: b.Operations,
		Version:    b.Version,
		ClientID:   b.ClientID,
	})
}

// acceptLocked advances the room to an already persisted batch.
func (r *Room) acceptLocked(b storage.Batch, content string) {
	r.content = content
	r.version = b.Version
	r.history = append(r.history, b)
	if over := len(r.history) - r.cfg.HistoryLimit; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// catchUpLocked applies batches that other instances persisted since the
// room's version and forwards them to local members. When the log cannot be
// replayed the room reloads and every member gets a fresh snapshot.
func (r *Room) catchUpLocked(ctx context.Context) {
	batches, err := r.store.BatchesSince(ctx, r.id, r.version)
	if err != nil {
		log.Printf("catch up failed room=%s version=%d: %v", r.id, r.version, err)
		return
	}
	for _, b := range batches {
		if b.Version != r.version+1 {
			r.resyncLocked(ctx, fmt.Errorf("batch log gap at %d after %d", b.Version, r.version))
			return
		}
		next, err := textop.ApplyAll(r.content, b.Operations)
		if err != nil {
			r.resyncLocked(ctx, err)
			return
		}
		r.acceptLocked(b, next)
		r.fanoutLocked(broadcastFor(b), nil)
	}
	if len(batches) > 0 {
		log.Printf("caught up room=%s version=%d batches=%d", r.id, r.version, len(batches))
	}
}

func (r *Room) resyncLocked(ctx context.Context, cause error) {
	log.Printf("reloading room=%s version=%d: %v", r.id, r.version, cause)
	if err := r.loadLocked(ctx); err != nil {
		log.Printf("reload failed room=%s: %v", r.id, err)
		return
	}
	r.fanoutLocked(protocol.MustNew(protocol.MsgSync, protocol.Sync{Content: r.content, Version: r.version}), nil)
}

// Presence forwards a cursor or selection update from m to everyone else in
// the room, on this instance and through the relay. The sender's identity
// overrides whatever the payload claims.
func (r *Room) Presence(ctx context.Context, m *Member, env protocol.Envelope) error {
	if env.Type != protocol.MsgCursorPosition && env.Type != protocol.MsgSelectionChange {
		return fmt.Errorf("%w: %s is not presence", protocol.ErrUnknownType, env.Type)
	}
	var p protocol.Presence
	if err := env.Decode(&p); err != nil {
		return err
	}
	p.RoomID = r.id
	p.UserID = m.UserID
	p.UserName = m.UserName
	stamped, err := protocol.New(env.Type, p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.fanoutLocked(stamped, m)
	r.mu.Unlock()

	r.publish(ctx, stamped)
	return nil
}

// relayed delivers messages published by other instances. Presence is
// forwarded as is; an accepted batch is only a hint to read the shared log,
// which stays the source of truth.
func (r *Room) relayed(origin string, env protocol.Envelope) {
	if origin == r.origin {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if env.Type != protocol.MsgBroadcastOps {
		r.fanoutLocked(env, nil)
		return
	}
	var b protocol.BroadcastOps
	if err := env.Decode(&b); err != nil {
		log.Printf("bad relayed batch room=%s origin=%s: %v", r.id, origin, err)
		return
	}
	if b.Version <= r.version {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayCatchUpTimeout)
	defer cancel()
	r.catchUpLocked(ctx)
}

func (r *Room) publish(ctx context.Context, env protocol.Envelope) {
	if r.relay == nil {
		return
	}
	if err := r.relay.Publish(ctx, r.id, r.origin, env); err != nil {
		log.Printf("relay publish failed room=%s type=%s: %v", r.id, env.Type, err)
	}
}

// fanoutLocked sends env to every member except skip, dropping members that
// cannot keep up.
func (r *Room) fanoutLocked(env protocol.Envelope, skip *Member) {
	var dropped []*Member
	for _, m := range r.members {
		if m == skip {
			continue
		}
		if err := m.Send(env); err != nil {
			log.Printf("dropping member room=%s client=%s: %v", r.id, m.ClientID, err)
			dropped = append(dropped, m)
		}
	}
	for _, m := range dropped {
		r.removeLocked(m)
	}
}

// Close disconnects every member and stops relaying.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, m := range r.members {
		m.close()
		delete(r.members, id)
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}
