package authority

import (
	"context"
	"errors"
	"sync"
	"testing"

	"codecollab/server/internal/protocol"
	"codecollab/server/internal/relay"
	"codecollab/server/internal/syncclient"
	"codecollab/server/internal/textop"
)

// session connects a sync client to a member in-process. Messages move only
// when pump is called, so tests control the interleaving.
type session struct {
	t      *testing.T
	room   *Room
	member *Member
	client *syncclient.Client
	buf    *syncclient.MemoryBuffer

	mu       sync.Mutex
	upstream []protocol.Envelope
}

func (s *session) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = append(s.upstream, env)
	return nil
}

func connect(t *testing.T, reg *Registry, roomID, clientID string) *session {
	t.Helper()
	room, m := join(t, reg, roomID, clientID)
	buf := syncclient.NewMemoryBuffer("")
	client := syncclient.New(buf, syncclient.Options{RoomID: roomID, ClientID: clientID, UserID: "user-" + clientID})
	buf.OnChange(client.LocalChange)
	s := &session{t: t, room: room, member: m, client: client, buf: buf}
	client.Connected(s)
	s.pump()
	if client.State() != syncclient.Synced {
		t.Fatalf("client %s not synced: %s", clientID, client.State())
	}
	return s
}

// pump delivers queued client messages to the room, then the room's replies
// to the client, until both directions are empty.
func (s *session) pump() {
	s.t.Helper()
	for moved := true; moved; {
		moved = false
		s.mu.Lock()
		out := s.upstream
		s.upstream = nil
		s.mu.Unlock()
		for _, env := range out {
			moved = true
			s.dispatch(env)
		}
		for drained := false; !drained; {
			select {
			case env := <-s.member.Outbound():
				moved = true
				if err := s.client.Handle(env); err != nil {
					s.t.Fatalf("client handle %s: %v", env.Type, err)
				}
			default:
				drained = true
			}
		}
	}
}

func (s *session) dispatch(env protocol.Envelope) {
	s.t.Helper()
	switch env.Type {
	case protocol.MsgRequestSync:
		if err := s.room.SyncMember(s.member); err != nil {
			s.t.Fatalf("sync member: %v", err)
		}
	case protocol.MsgSubmitOps:
		var sub protocol.SubmitOps
		if err := env.Decode(&sub); err != nil {
			s.t.Fatalf("decode submit: %v", err)
		}
		if _, err := s.room.Submit(context.Background(), s.member, sub.BaseVersion, sub.Operations); err != nil {
			s.t.Fatalf("submit at base %d: %v", sub.BaseVersion, err)
		}
	}
}

func TestClientWithEditsInFlightMatchesRoom(t *testing.T) {
	reg, _ := newRegistry(t, Config{})
	room, b := join(t, reg, "room-1", "b")
	submit(t, room, b, 0, textop.NewInsert(0, "abcdef", "b"))
	recv(t, b)

	a := connect(t, reg, "room-1", "a")
	if err := a.buf.Edit(0, 0, "WXYZ"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := a.buf.Edit(2, 1, ""); err != nil {
		t.Fatalf("edit: %v", err)
	}

	// b's delete is ordered before a's first batch reaches the room.
	submit(t, room, b, 1, textop.NewDelete(1, 1, "b"))
	a.pump()

	content, version := room.Snapshot()
	if content != "WXZacdef" || version != 4 {
		t.Fatalf("room: got %q@%d", content, version)
	}
	if a.buf.Text() != content || a.client.Version() != version {
		t.Fatalf("client %q@%d, room %q@%d", a.buf.Text(), a.client.Version(), content, version)
	}
	if len(a.client.Pending()) != 0 || a.client.Buffered() != 0 || a.client.State() != syncclient.Synced {
		t.Fatalf("client not settled: pending=%d buffered=%d state=%s", len(a.client.Pending()), a.client.Buffered(), a.client.State())
	}
}

func TestClientsConvergeWithDeleteAroundInsert(t *testing.T) {
	reg, _ := newRegistry(t, Config{})
	room, seed := join(t, reg, "room-1", "seed")
	submit(t, room, seed, 0, textop.NewInsert(0, "abcdef", "seed"))

	a := connect(t, reg, "room-1", "a")
	b := connect(t, reg, "room-1", "b")
	_ = a.buf.Edit(3, 0, "XY")
	_ = b.buf.Edit(1, 4, "")
	a.pump()
	b.pump()
	a.pump()

	content, _ := room.Snapshot()
	if content != "aXYf" {
		t.Fatalf("room: got %q", content)
	}
	if a.buf.Text() != content || b.buf.Text() != content {
		t.Fatalf("diverged: a=%q b=%q room=%q", a.buf.Text(), b.buf.Text(), content)
	}
}

func TestSecondBatchFromSameClientBeforeAckIsStale(t *testing.T) {
	reg, _ := newRegistry(t, Config{})
	room, a := join(t, reg, "room-1", "a")
	submit(t, room, a, 0, textop.NewInsert(0, "abc", "a"))
	_, err := room.Submit(context.Background(), a, 0, []textop.Operation{textop.NewInsert(0, "x", "a")})
	if !errors.Is(err, ErrStaleBase) {
		t.Fatalf("submit: got %v", err)
	}
	if content, version := room.Snapshot(); content != "abc" || version != 1 {
		t.Fatalf("room: got %q@%d", content, version)
	}
}

func TestAcceptedBatchesReachOtherInstances(t *testing.T) {
	store := newStore(t)
	bus := relay.NewMemoryRelay()
	defer bus.Close()
	reg1 := NewRegistry(store, bus, Config{})
	reg2 := NewRegistry(store, bus, Config{})
	defer reg1.Close()
	defer reg2.Close()

	room1, alice := join(t, reg1, "room-1", "alice")
	room2, bob := join(t, reg2, "room-1", "bob")

	submit(t, room1, alice, 0, textop.NewInsert(0, "hello", "alice"))
	recv(t, alice)
	bc := decodeAs[protocol.BroadcastOps](t, recv(t, bob), protocol.MsgBroadcastOps)
	if bc.Version != 1 || bc.ClientID != "alice" || bc.Operations[0].Text != "hello" {
		t.Fatalf("broadcast on other instance: got %+v", bc)
	}
	if content, version := room2.Snapshot(); content != "hello" || version != 1 {
		t.Fatalf("other instance: got %q@%d", content, version)
	}

	submit(t, room2, bob, 1, textop.NewInsert(5, "!", "bob"))
	recv(t, bob)
	bc = decodeAs[protocol.BroadcastOps](t, recv(t, alice), protocol.MsgBroadcastOps)
	if bc.Version != 2 || bc.ClientID != "bob" {
		t.Fatalf("broadcast back: got %+v", bc)
	}
	if content, version := room1.Snapshot(); content != "hello!" || version != 2 {
		t.Fatalf("first instance: got %q@%d", content, version)
	}
}
