package relay

import (
	"context"
	"log"
	"sync"

	"codecollab/server/internal/protocol"
)

const subscriberQueue = 64

// MemoryRelay connects authorities living in one process. Each subscription
// is served by its own goroutine so a publisher never runs foreign handlers
// while holding its own locks.
type MemoryRelay struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan message
	closed bool
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[int]chan message)}
}

func (r *MemoryRelay) Publish(_ context.Context, roomID, origin string, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for id, ch := range r.subs[roomID] {
		select {
		case ch <- message{Origin: origin, Envelope: env}:
		default:
			log.Printf("relay queue full room=%s sub=%d, dropping %s", roomID, id, env.Type)
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe(_ context.Context, roomID string, fn Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.nextID++
	id := r.nextID
	ch := make(chan message, subscriberQueue)
	if r.subs[roomID] == nil {
		r.subs[roomID] = make(map[int]chan message)
	}
	r.subs[roomID][id] = ch

	go func() {
		for msg := range ch {
			fn(msg.Origin, msg.Envelope)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if subs, ok := r.subs[roomID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(r.subs, roomID)
				}
			}
		})
	}, nil
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for roomID, subs := range r.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(r.subs, roomID)
	}
	return nil
}
