// Package outbox batches local operations and tracks batches that were sent
// but not yet acknowledged.
package outbox

import (
	"sync"
	"time"

	"codecollab/server/internal/textop"
)

// Batch is the unit submitted to the authority.
type Batch struct {
	Operations  []textop.Operation
	BaseVersion int64
	ClientID    string
}

// PendingEntry is a sent batch awaiting acknowledgment. Version is the
// document version the entry is currently based on.
type PendingEntry struct {
	Operations []textop.Operation
	Version    int64
}

// Outbox coalesces operations over a short window and keeps the FIFO of
// pending entries. It is owned by a single sync client; only the flush timer
// runs on its own goroutine, and it only invokes the due callback.
type Outbox struct {
	clientID string
	window   time.Duration
	due      func()

	buffer  []textop.Operation
	pending []PendingEntry

	timerMu sync.Mutex
	timer   *time.Timer
}

// New returns an outbox that calls due once window has elapsed after the
// first operation of a batch was added. A zero window disables the timer and
// leaves flushing to the caller.
func New(clientID string, window time.Duration, due func()) *Outbox {
	return &Outbox{clientID: clientID, window: window, due: due}
}

// Add buffers ops and arms the flush timer when it is not running.
func (o *Outbox) Add(ops []textop.Operation) {
	if len(ops) == 0 {
		return
	}
	o.buffer = append(o.buffer, ops...)
	if o.window <= 0 || o.due == nil {
		return
	}
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.timer == nil {
		o.timer = time.AfterFunc(o.window, o.fire)
	}
}

func (o *Outbox) fire() {
	o.timerMu.Lock()
	o.timer = nil
	o.timerMu.Unlock()
	o.due()
}

// Buffered returns the operations not yet flushed.
func (o *Outbox) Buffered() []textop.Operation {
	return append([]textop.Operation(nil), o.buffer...)
}

// Flush moves the buffered operations into a new pending entry based on
// version and returns the batch to send. It reports false when there was
// nothing to flush.
func (o *Outbox) Flush(version int64) (Batch, bool) {
	o.stopTimer()
	if len(o.buffer) == 0 {
		return Batch{}, false
	}
	ops := o.buffer
	o.buffer = nil
	o.pending = append(o.pending, PendingEntry{Operations: ops, Version: version})
	return Batch{Operations: ops, BaseVersion: version, ClientID: o.clientID}, true
}

// Pending returns a copy of the pending queue, oldest first.
func (o *Outbox) Pending() []PendingEntry {
	out := make([]PendingEntry, len(o.pending))
	for i, e := range o.pending {
		out[i] = PendingEntry{Operations: append([]textop.Operation(nil), e.Operations...), Version: e.Version}
	}
	return out
}

// Len returns the number of pending entries.
func (o *Outbox) Len() int {
	return len(o.pending)
}

// Ack confirms the oldest pending entry when version directly follows the
// version it is based on. The remaining entries are rebased onto version.
func (o *Outbox) Ack(version int64) bool {
	if len(o.pending) == 0 || o.pending[0].Version != version-1 {
		return false
	}
	o.pending = o.pending[1:]
	for i := range o.pending {
		o.pending[i].Version = version
	}
	return true
}

// Rebase accounts for a remote batch accepted at version. Every pending and
// buffered operation is transformed against remote, and the returned remote
// operations are transformed past them so they apply to a text that already
// holds the local edits.
func (o *Outbox) Rebase(remote []textop.Operation, version int64) []textop.Operation {
	for k := range o.pending {
		o.pending[k].Operations, remote = textop.TransformBatch(o.pending[k].Operations, remote)
		o.pending[k].Version = version
	}
	if len(o.buffer) > 0 {
		o.buffer, remote = textop.TransformBatch(o.buffer, remote)
	}
	return remote
}

// Reset drops the buffer and the pending queue.
func (o *Outbox) Reset() {
	o.stopTimer()
	o.buffer = nil
	o.pending = nil
}

func (o *Outbox) stopTimer() {
	o.timerMu.Lock()
	defer o.timerMu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
