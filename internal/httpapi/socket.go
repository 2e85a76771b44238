package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codecollab/server/internal/auth"
	"codecollab/server/internal/authority"
	"codecollab/server/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomFromPath(w, r)
	if !ok {
		return
	}
	p := participantFor(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed room=%s: %v", roomID, err)
		return
	}
	defer conn.Close()

	ctx := context.WithoutCancel(r.Context())
	room, member, err := s.registry.Join(ctx, roomID, p)
	if err != nil {
		log.Printf("join failed room=%s client=%s: %v", roomID, p.ClientID, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "join failed"))
		return
	}
	defer s.registry.Leave(ctx, room, member)

	go writePump(conn, member)
	readPump(ctx, conn, room, member)
}

// participantFor builds the participant from the request identity. The
// "name" query parameter overrides the display name, "clientId" pins the
// client id across reconnects.
func participantFor(r *http.Request) authority.Participant {
	query := r.URL.Query()
	p := authority.Participant{ClientID: strings.TrimSpace(query.Get("clientId"))}
	if p.ClientID == "" {
		p.ClientID = uuid.NewString()
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		p.UserID = id.UserID
		p.UserName = id.Name
	} else {
		p.UserID = "anonymous-" + p.ClientID
	}
	if name := strings.TrimSpace(query.Get("name")); name != "" {
		p.UserName = name
	}
	if p.UserName == "" {
		p.UserName = p.UserID
	}
	return p
}

func readPump(ctx context.Context, conn *websocket.Conn, room *authority.Room, member *authority.Member) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error room=%s client=%s: %v", room.ID(), member.ClientID, err)
			}
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			reply(member, protocol.Errorf(protocol.CodeBadRequest, "%v", err))
			continue
		}
		if err := dispatch(ctx, room, member, env); errors.Is(err, authority.ErrClosed) {
			return
		}
		if member.Closed() {
			return
		}
	}
}

func dispatch(ctx context.Context, room *authority.Room, member *authority.Member, env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgRequestSync:
		return room.SyncMember(member)
	case protocol.MsgSubmitOps:
		var submit protocol.SubmitOps
		if err := env.Decode(&submit); err != nil {
			reply(member, protocol.Errorf(protocol.CodeBadRequest, "%v", err))
			return nil
		}
		if submit.ClientID != member.ClientID {
			reply(member, protocol.Errorf(protocol.CodeBadRequest, "clientId %q does not match connection", submit.ClientID))
			return nil
		}
		_, err := room.Submit(ctx, member, submit.BaseVersion, submit.Operations)
		switch {
		case err == nil:
		case errors.Is(err, authority.ErrClosed):
			return err
		case errors.Is(err, authority.ErrStaleBase):
			log.Printf("submit rejected room=%s client=%s base=%d: %v", room.ID(), member.ClientID, submit.BaseVersion, err)
			reply(member, protocol.Errorf(protocol.CodeStaleBase, "%v", err))
		case errors.Is(err, authority.ErrApplyFailed):
			log.Printf("submit rejected room=%s client=%s base=%d: %v", room.ID(), member.ClientID, submit.BaseVersion, err)
			reply(member, protocol.Errorf(protocol.CodeApplyFailed, "%v", err))
		default:
			log.Printf("submit error room=%s client=%s base=%d: %v", room.ID(), member.ClientID, submit.BaseVersion, err)
			reply(member, protocol.Errorf(protocol.CodeInternal, "submit failed"))
		}
		return nil
	case protocol.MsgCursorPosition, protocol.MsgSelectionChange:
		if err := room.Presence(ctx, member, env); err != nil && !errors.Is(err, authority.ErrClosed) {
			reply(member, protocol.Errorf(protocol.CodeBadRequest, "%v", err))
			return nil
		}
		return nil
	default:
		reply(member, protocol.Errorf(protocol.CodeBadRequest, "%s is not accepted from clients", env.Type))
		return nil
	}
}

func reply(member *authority.Member, env protocol.Envelope) {
	if err := member.Send(env); err != nil {
		log.Printf("reply %s failed client=%s: %v", env.Type, member.ClientID, err)
	}
}

// writePump is the only writer of conn. It exits when the member's queue is
// closed or a write fails, closing the connection so readPump exits too.
func writePump(conn *websocket.Conn, member *authority.Member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case env, ok := <-member.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("websocket write error client=%s: %v", member.ClientID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
