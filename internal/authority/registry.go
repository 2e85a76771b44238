package authority

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"codecollab/server/internal/relay"
	"codecollab/server/internal/storage"
)

// Registry opens rooms on first join and closes them when the last member
// leaves. Lock order is registry before room.
type Registry struct {
	cfg    Config
	store  storage.Store
	relay  relay.Relay
	origin string

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a registry. rl may be nil when a single instance serves
// every room.
func NewRegistry(store storage.Store, rl relay.Relay, cfg Config) *Registry {
	return &Registry{
		cfg:    cfg.withDefaults(),
		store:  store,
		relay:  rl,
		origin: uuid.NewString(),
		rooms:  make(map[string]*Room),
	}
}

// Origin identifies this instance on the relay.
func (g *Registry) Origin() string {
	return g.origin
}

func (g *Registry) Join(ctx context.Context, roomID string, p Participant) (*Room, *Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	if !ok {
		var err error
		room, err = openRoom(ctx, roomID, g.cfg, g.store, g.relay, g.origin)
		if err != nil {
			return nil, nil, err
		}
		g.rooms[roomID] = room
		_, version := room.Snapshot()
		log.Printf("room opened room=%s version=%d", roomID, version)
	}
	m, err := room.Join(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return room, m, nil
}

func (g *Registry) Leave(ctx context.Context, room *Room, m *Member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room.Leave(ctx, m) > 0 {
		return
	}
	if g.rooms[room.id] == room {
		delete(g.rooms, room.id)
	}
	room.Close()
	log.Printf("room closed room=%s", room.id)
}

// Snapshot reads a room's document from the open room or, when nobody is
// connected, from the store.
func (g *Registry) Snapshot(ctx context.Context, roomID string) (string, int64, error) {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	g.mu.Unlock()
	if ok {
		content, version := room.Snapshot()
		return content, version, nil
	}
	doc, err := g.store.LoadDocument(ctx, roomID)
	if err != nil {
		return "", 0, err
	}
	return doc.Content, doc.Version, nil
}

// AckedVersion returns the last version acknowledged to clientID in a room,
// 0 when the client never had a batch accepted there.
func (g *Registry) AckedVersion(ctx context.Context, roomID, clientID string) (int64, error) {
	return g.store.ClientCursor(ctx, roomID, clientID)
}

// Rooms returns the number of open rooms.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, room := range g.rooms {
		room.Close()
		delete(g.rooms, id)
	}
}
