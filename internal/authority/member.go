package authority

import (
	"sync"

	"codecollab/server/internal/protocol"
)

// Participant identifies who is behind a connection.
type Participant struct {
	ClientID string
	UserID   string
	UserName string
}

// Member is one connection joined to a room. The room and the connection
// handler enqueue envelopes with Send; the connection writer drains
// Outbound until it is closed.
type Member struct {
	ID string
	Participant

	mu     sync.Mutex
	out    chan protocol.Envelope
	closed bool
}

func newMember(id string, p Participant, queue int) *Member {
	return &Member{ID: id, Participant: p, out: make(chan protocol.Envelope, queue)}
}

// Outbound is closed when the member is dropped or its room closes.
func (m *Member) Outbound() <-chan protocol.Envelope {
	return m.out
}

// Send enqueues env without blocking. A member whose queue is full is closed
// and ErrSlowConsumer is returned.
func (m *Member) Send(env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.out <- env:
		return nil
	default:
		m.closeLocked()
		return ErrSlowConsumer
	}
}

func (m *Member) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Member) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Member) closeLocked() {
	if !m.closed {
		m.closed = true
		close(m.out)
	}
}
