// Command collab-client joins a room and mirrors its document in memory.
// Each stdin line is appended to the document; "/sync" forces a resync and
// "/quit" leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"codecollab/server/internal/capture"
	"codecollab/server/internal/presence"
	"codecollab/server/internal/protocol"
	"codecollab/server/internal/syncclient"
	"codecollab/server/internal/textop"
	"codecollab/server/internal/transport"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "authority base url")
	room := flag.String("room", "default", "room id")
	name := flag.String("name", "", "display name")
	user := flag.String("user", "", "user id (dev identity only; defaults to the client id)")
	window := flag.Duration("window", 50*time.Millisecond, "batch window for local edits")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientID := uuid.NewString()
	userID := userFor(*user, clientID)
	endpoint, err := roomURL(*server, *room, clientID, *name, userID)
	if err != nil {
		log.Fatalf("invalid server url: %v", err)
	}

	buf := syncclient.NewMemoryBuffer("")
	client := syncclient.New(buf, syncclient.Options{
		RoomID:           *room,
		ClientID:         clientID,
		UserID:           userID,
		UserName:         *name,
		BatchWindow:      *window,
		AckTimeout:       10 * time.Second,
		SettleDelay:      10 * time.Millisecond,
		PresenceDebounce: 30 * time.Millisecond,
	})

	// Buffer mutations and protocol events all run on this loop.
	events := make(chan func(), 64)
	buf.OnChange(client.LocalChange)
	buf.OnChange(func(capture.Event) {
		fmt.Printf("--- %s v%d\n%s\n", *room, client.Version(), buf.Text())
	})
	client.Presence().OnRender(func(userID string, d *presence.Decoration) {
		if d == nil {
			log.Printf("participant gone user=%s", userID)
			return
		}
		if d.Cursor != nil {
			log.Printf("cursor user=%s name=%s color=%s at %s", userID, d.UserName, d.Color, d.Cursor)
		}
	})

	go func() {
		err := transport.Run(ctx, transport.Options{URL: endpoint}, &loopHandler{events: events, client: client})
		if err != nil && ctx.Err() == nil {
			log.Printf("transport stopped: %v", err)
		}
		stop()
	}()
	go readLines(ctx, events, buf, client, stop)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-events:
			fn()
		}
	}
}

// userFor picks the dev identity. Without -user every client would share the
// server's default identity and their cursors would render as one.
func userFor(flagValue, clientID string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return clientID
}

func roomURL(base, room, clientID, name, user string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	prefix := strings.TrimSuffix(u.Path, "/")
	u.Path = prefix + "/rooms/" + room + "/ws"
	u.RawPath = prefix + "/rooms/" + url.PathEscape(room) + "/ws"
	q := u.Query()
	q.Set("clientId", clientID)
	if name != "" {
		q.Set("name", name)
	}
	if user != "" {
		q.Set("user", user)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLines(ctx context.Context, events chan<- func(), buf *syncclient.MemoryBuffer, client *syncclient.Client, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		var fn func()
		switch strings.TrimSpace(line) {
		case "/quit":
			quit()
			return
		case "/sync":
			fn = client.RequestSync
		default:
			fn = func() {
				end := len([]rune(buf.Text()))
				if err := buf.Edit(end, 0, line+"\n"); err != nil {
					log.Printf("edit failed: %v", err)
					return
				}
				if pos, err := textop.OffsetToPosition(buf.Text(), end+len([]rune(line))); err == nil {
					client.Presence().MoveCursor(pos)
				}
			}
		}
		select {
		case events <- fn:
		case <-ctx.Done():
			return
		}
	}
	quit()
}

// loopHandler hands transport callbacks to the event loop and waits for them
// so inbound messages keep their order.
type loopHandler struct {
	events chan<- func()
	client *syncclient.Client
}

func (h *loopHandler) run(fn func()) {
	done := make(chan struct{})
	h.events <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (h *loopHandler) Connected(s protocol.Sender) {
	log.Printf("connected")
	h.run(func() { h.client.Connected(s) })
}

func (h *loopHandler) Handle(env protocol.Envelope) error {
	var err error
	h.run(func() { err = h.client.Handle(env) })
	return err
}

func (h *loopHandler) Disconnected() {
	log.Printf("disconnected")
	h.run(h.client.Disconnected)
}
