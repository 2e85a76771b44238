package syncclient

import (
	"sync"
	"testing"
	"time"

	"codecollab/server/internal/capture"
	"codecollab/server/internal/protocol"
	"codecollab/server/internal/textop"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *recorder) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) ofType(typ protocol.Type) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newSyncedClient(t *testing.T, clientID, text string, version int64, opts Options) (*Client, *MemoryBuffer, *recorder) {
	t.Helper()
	buf := NewMemoryBuffer("")
	opts.ClientID = clientID
	opts.RoomID = "room-1"
	if opts.UserID == "" {
		opts.UserID = "user-" + clientID
	}
	c := New(buf, opts)
	buf.OnChange(c.LocalChange)
	rec := &recorder{}
	c.Connected(rec)
	if len(rec.ofType(protocol.MsgRequestSync)) != 1 {
		t.Fatalf("connect should request a sync")
	}
	deliver(t, c, protocol.MsgSync, protocol.Sync{Content: text, Version: version})
	if c.State() != Synced {
		t.Fatalf("state after sync: got %s", c.State())
	}
	return c, buf, rec
}

func deliver(t *testing.T, c *Client, typ protocol.Type, payload any) {
	t.Helper()
	if err := c.Handle(protocol.MustNew(typ, payload)); err != nil {
		t.Fatalf("handle %s: %v", typ, err)
	}
}

func decodeSubmit(t *testing.T, env protocol.Envelope) protocol.SubmitOps {
	t.Helper()
	var sub protocol.SubmitOps
	if err := env.Decode(&sub); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	return sub
}

func TestConnectAwaitsSyncAndSuppressesEdits(t *testing.T) {
	buf := NewMemoryBuffer("draft")
	c := New(buf, Options{ClientID: "c1", RoomID: "room-1"})
	buf.OnChange(c.LocalChange)
	if c.State() != Idle {
		t.Fatalf("initial state: got %s", c.State())
	}
	rec := &recorder{}
	c.Connected(rec)
	if c.State() != AwaitingSync {
		t.Fatalf("state: got %s", c.State())
	}
	if err := buf.Edit(0, 0, "x"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(rec.ofType(protocol.MsgSubmitOps)) != 0 {
		t.Fatalf("edits must not be emitted before the snapshot arrives")
	}
	deliver(t, c, protocol.MsgSync, protocol.Sync{Content: "server text", Version: 3})
	if buf.Text() != "server text" || c.Version() != 3 || c.State() != Synced {
		t.Fatalf("after sync: text=%q version=%d state=%s", buf.Text(), c.Version(), c.State())
	}
}

func TestLocalEditSubmitsAndAckAdvances(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "hello", 3, Options{})
	if err := buf.Edit(5, 0, " world"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	submits := rec.ofType(protocol.MsgSubmitOps)
	if len(submits) != 1 {
		t.Fatalf("submits: got %d", len(submits))
	}
	sub := decodeSubmit(t, submits[0])
	if sub.BaseVersion != 3 || sub.ClientID != "c1" || len(sub.Operations) != 1 {
		t.Fatalf("unexpected submit: %+v", sub)
	}
	if op := sub.Operations[0]; op.Kind != textop.Insert || op.Position != 5 || op.Text != " world" {
		t.Fatalf("unexpected op: %s", op)
	}
	if len(c.Pending()) != 1 {
		t.Fatalf("pending: got %d", len(c.Pending()))
	}

	deliver(t, c, protocol.MsgAck, protocol.Ack{ClientID: "someone-else", Version: 4})
	if c.Version() != 3 || len(c.Pending()) != 1 {
		t.Fatalf("ack for another client must be ignored")
	}
	deliver(t, c, protocol.MsgAck, protocol.Ack{ClientID: "c1", Version: 4})
	if c.Version() != 4 || len(c.Pending()) != 0 {
		t.Fatalf("after ack: version=%d pending=%d", c.Version(), len(c.Pending()))
	}
}

func TestBatchWindowCoalesces(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "", 0, Options{BatchWindow: time.Hour})
	_ = buf.Edit(0, 0, "a")
	_ = buf.Edit(1, 0, "b")
	if len(rec.ofType(protocol.MsgSubmitOps)) != 0 {
		t.Fatalf("batch sent before window elapsed")
	}
	if c.Buffered() != 2 {
		t.Fatalf("buffered: got %d", c.Buffered())
	}
	c.Flush()
	submits := rec.ofType(protocol.MsgSubmitOps)
	if len(submits) != 1 || len(decodeSubmit(t, submits[0]).Operations) != 2 {
		t.Fatalf("expected one batch with two ops")
	}
}

func TestEchoSuppression(t *testing.T) {
	c, buf, _ := newSyncedClient(t, "c1", "abc", 5, Options{})
	_ = buf.Edit(1, 0, "X")
	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(1, "X", "c1")},
		Version:    6,
		ClientID:   "c1",
	})
	if buf.Text() != "aXbc" || c.Version() != 5 {
		t.Fatalf("own batch applied twice: %q v%d", buf.Text(), c.Version())
	}
}

// Client 2 deletes 'c' while client 1's insert is accepted first.
func TestConcurrentInsertDeleteScenario(t *testing.T) {
	c2, buf2, rec2 := newSyncedClient(t, "c2", "abc", 5, Options{})
	_ = buf2.Edit(2, 1, "")
	if buf2.Text() != "ab" {
		t.Fatalf("local delete: %q", buf2.Text())
	}
	deliver(t, c2, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(1, "X", "c1")},
		Version:    6,
		ClientID:   "c1",
	})
	if buf2.Text() != "aXb" {
		t.Fatalf("client 2 after remote insert: %q", buf2.Text())
	}
	pending := c2.Pending()
	if len(pending) != 1 || pending[0].Version != 6 || pending[0].Operations[0].Position != 3 {
		t.Fatalf("pending delete not transformed: %+v", pending)
	}
	if len(rec2.ofType(protocol.MsgSubmitOps)) != 1 {
		t.Fatalf("remote apply must not produce submits")
	}
	deliver(t, c2, protocol.MsgAck, protocol.Ack{ClientID: "c2", Version: 7})
	if c2.Version() != 7 || len(c2.Pending()) != 0 {
		t.Fatalf("client 2 after ack: v%d pending=%d", c2.Version(), len(c2.Pending()))
	}

	c1, buf1, _ := newSyncedClient(t, "c1", "abc", 5, Options{})
	_ = buf1.Edit(1, 0, "X")
	deliver(t, c1, protocol.MsgAck, protocol.Ack{ClientID: "c1", Version: 6})
	// The authority transformed client 2's delete from 2 to 3.
	deliver(t, c1, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewDelete(3, 1, "c2")},
		Version:    7,
		ClientID:   "c2",
	})
	if buf1.Text() != "aXb" || c1.Version() != 7 {
		t.Fatalf("client 1: %q v%d", buf1.Text(), c1.Version())
	}
}

func TestOneBatchInFlight(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abcdef", 1, Options{})
	_ = buf.Edit(0, 0, "WXYZ")
	_ = buf.Edit(2, 1, "")
	if n := len(rec.ofType(protocol.MsgSubmitOps)); n != 1 {
		t.Fatalf("second edit must wait for the ack: %d submits", n)
	}
	if len(c.Pending()) != 1 || c.Buffered() != 1 {
		t.Fatalf("pending=%d buffered=%d", len(c.Pending()), c.Buffered())
	}

	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewDelete(1, 1, "c9")},
		Version:    2,
		ClientID:   "c9",
	})
	if buf.Text() != "WXZacdef" {
		t.Fatalf("after remote delete: %q", buf.Text())
	}
	if n := len(rec.ofType(protocol.MsgSubmitOps)); n != 1 {
		t.Fatalf("remote batch must not release the buffer: %d submits", n)
	}

	deliver(t, c, protocol.MsgAck, protocol.Ack{ClientID: "c1", Version: 3})
	submits := rec.ofType(protocol.MsgSubmitOps)
	if len(submits) != 2 {
		t.Fatalf("ack should release the buffer: %d submits", len(submits))
	}
	sub := decodeSubmit(t, submits[1])
	if sub.BaseVersion != 3 || len(sub.Operations) != 1 || sub.Operations[0].Position != 2 {
		t.Fatalf("second batch: %+v", sub)
	}
	if len(c.Pending()) != 1 || c.Buffered() != 0 {
		t.Fatalf("pending=%d buffered=%d", len(c.Pending()), c.Buffered())
	}
}

func TestRequestSyncWaitsForBatchInFlight(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 1, Options{})
	_ = buf.Edit(3, 0, "d")
	_ = buf.Edit(4, 0, "e")
	c.RequestSync()
	if c.State() != Synced || len(rec.ofType(protocol.MsgRequestSync)) != 1 {
		t.Fatalf("sync must wait for the ack, state=%s", c.State())
	}
	deliver(t, c, protocol.MsgAck, protocol.Ack{ClientID: "c1", Version: 2})
	if len(rec.ofType(protocol.MsgSubmitOps)) != 2 {
		t.Fatalf("buffered edit should be submitted before the sync")
	}
	if c.State() != AwaitingSync || len(rec.ofType(protocol.MsgRequestSync)) != 2 {
		t.Fatalf("ack should release the queued sync, state=%s", c.State())
	}
}

func TestVersionGapForcesResync(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 5, Options{})
	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(0, "Z", "c9")},
		Version:    7,
		ClientID:   "c9",
	})
	if buf.Text() != "abc" {
		t.Fatalf("gapped batch applied: %q", buf.Text())
	}
	if c.State() != AwaitingSync || len(rec.ofType(protocol.MsgRequestSync)) != 2 {
		t.Fatalf("gap should request a sync, state=%s", c.State())
	}
}

func TestStaleBroadcastIgnored(t *testing.T) {
	c, buf, _ := newSyncedClient(t, "c1", "abc", 5, Options{})
	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(0, "Z", "c9")},
		Version:    5,
		ClientID:   "c9",
	})
	if buf.Text() != "abc" || c.State() != Synced {
		t.Fatalf("already-seen version must be ignored")
	}
}

func TestResyncDiscardsPendingState(t *testing.T) {
	c, buf, _ := newSyncedClient(t, "c1", "start", 10, Options{})
	_ = buf.Edit(5, 0, " one")
	_ = buf.Edit(9, 0, " two")
	if len(c.Pending()) != 1 || c.Buffered() != 1 {
		t.Fatalf("pending=%d buffered=%d", len(c.Pending()), c.Buffered())
	}
	c.Disconnected()
	if c.State() != Idle {
		t.Fatalf("state after disconnect: got %s", c.State())
	}

	rec := &recorder{}
	c.Connected(rec)
	if c.State() != AwaitingSync || len(rec.ofType(protocol.MsgRequestSync)) != 1 {
		t.Fatalf("reconnect should re-enter the sync handshake")
	}
	deliver(t, c, protocol.MsgSync, protocol.Sync{Content: "final text", Version: 42})
	if len(c.Pending()) != 0 || c.Buffered() != 0 {
		t.Fatalf("pending=%d buffered=%d", len(c.Pending()), c.Buffered())
	}
	if buf.Text() != "final text" || c.Version() != 42 {
		t.Fatalf("buffer=%q version=%d", buf.Text(), c.Version())
	}
	if len(rec.ofType(protocol.MsgSubmitOps)) != 0 {
		t.Fatalf("discarded edits must not be replayed")
	}
}

func TestProtocolErrorRequestsSync(t *testing.T) {
	c, _, rec := newSyncedClient(t, "c1", "abc", 1, Options{})
	deliver(t, c, protocol.MsgProtocolError, protocol.ProtocolError{Code: protocol.CodeStaleBase, Message: "stale"})
	if c.State() != AwaitingSync || len(rec.ofType(protocol.MsgRequestSync)) != 2 {
		t.Fatalf("protocol error should force a sync")
	}
}

func TestApplyFailureAbandonsBatch(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 1, Options{})
	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(0, "ok", "c9"), textop.NewDelete(10, 4, "c9")},
		Version:    2,
		ClientID:   "c9",
	})
	if buf.Text() != "abc" || c.Version() != 1 {
		t.Fatalf("failed batch partially applied: %q v%d", buf.Text(), c.Version())
	}
	if len(rec.ofType(protocol.MsgRequestSync)) != 2 {
		t.Fatalf("apply failure should request a sync")
	}
}

func TestUnexpectedAckForcesResync(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 1, Options{})
	_ = buf.Edit(0, 0, "x")
	deliver(t, c, protocol.MsgAck, protocol.Ack{ClientID: "c1", Version: 5})
	if c.State() != AwaitingSync || len(rec.ofType(protocol.MsgRequestSync)) != 2 {
		t.Fatalf("out of order ack should force a sync")
	}
}

func TestRemoteApplyDoesNotFeedBack(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 1, Options{SettleDelay: time.Hour})
	var states []State
	buf.OnChange(func(capture.Event) { states = append(states, c.State()) })
	deliver(t, c, protocol.MsgBroadcastOps, protocol.BroadcastOps{
		Operations: []textop.Operation{textop.NewInsert(3, "def", "c9")},
		Version:    2,
		ClientID:   "c9",
	})
	if buf.Text() != "abcdef" {
		t.Fatalf("remote not applied: %q", buf.Text())
	}
	if len(states) != 1 || states[0] != ApplyingRemote {
		t.Fatalf("listener saw states %v", states)
	}
	if len(rec.ofType(protocol.MsgSubmitOps)) != 0 {
		t.Fatalf("programmatic change was echoed as a local edit")
	}
	if !c.Suppressed() {
		t.Fatalf("notifications should stay suppressed while settling")
	}
}

func TestAckTimeoutRequestsSync(t *testing.T) {
	c, buf, rec := newSyncedClient(t, "c1", "abc", 1, Options{AckTimeout: 10 * time.Millisecond})
	_ = buf.Edit(0, 0, "x")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.ofType(protocol.MsgRequestSync)) == 2 {
			if c.State() != AwaitingSync {
				t.Fatalf("state: got %s", c.State())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ack timeout did not request a sync")
}

func TestSyncRestoresSelection(t *testing.T) {
	c, buf, _ := newSyncedClient(t, "c1", "hello world", 1, Options{})
	buf.Select(6, 11)
	deliver(t, c, protocol.MsgSync, protocol.Sync{Content: "hello", Version: 4})
	start, end := buf.Selection()
	if start != 5 || end != 5 {
		t.Fatalf("selection: got %d..%d", start, end)
	}
}

func TestPresenceMessagesReachChannel(t *testing.T) {
	c, _, _ := newSyncedClient(t, "c1", "abc", 1, Options{UserID: "me"})
	deliver(t, c, protocol.MsgCursorPosition, protocol.Presence{
		UserID:   "other",
		UserName: "Other",
		Position: &textop.Position{Line: 1, Column: 2},
	})
	if len(c.Presence().Decorations()) != 1 {
		t.Fatalf("decoration not rendered")
	}
	deliver(t, c, protocol.MsgParticipantLeft, protocol.ParticipantLeft{UserID: "other"})
	if len(c.Presence().Decorations()) != 0 {
		t.Fatalf("decoration not removed")
	}
}

func TestLocalCursorBroadcast(t *testing.T) {
	c, _, rec := newSyncedClient(t, "c1", "abc", 1, Options{UserID: "me", UserName: "Me"})
	c.Presence().MoveCursor(textop.Position{Line: 1, Column: 3})
	sent := rec.ofType(protocol.MsgCursorPosition)
	if len(sent) != 1 {
		t.Fatalf("cursor broadcasts: got %d", len(sent))
	}
	var p protocol.Presence
	if err := sent[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "me" || p.UserName != "Me" || p.RoomID != "room-1" {
		t.Fatalf("unexpected presence: %+v", p)
	}
}
