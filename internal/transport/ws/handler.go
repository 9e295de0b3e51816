package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/proto"
	"github.com/relaychat/relaychat-server/internal/registry"
	"github.com/relaychat/relaychat-server/internal/session"
	"github.com/relaychat/relaychat-server/internal/store"
)

// outboundQueueSize bounds pending pushes per connection; registry fan-out
// never blocks, overflow drops (slow consumer).
const outboundQueueSize = 64

// WSHandler upgrades HTTP connections and bridges them to a session.
type WSHandler struct {
	reg     *registry.Registry
	auth    *auth.Service
	history store.HistoryStore
	limit   int
	log     *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(reg *registry.Registry, authSvc *auth.Service, history store.HistoryStore, historyLimit int, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{reg: reg, auth: authSvc, history: history, limit: historyLimit, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	out := newWSOutbound(h.log)
	sess := session.New(h.reg, h.auth, h.history, h.limit, out, h.log)
	defer sess.Close(context.WithoutCancel(ctx))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventWelcome, Text: "Connected to chat WebSocket bridge."})

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, sess, out)
	}()
	go func() {
		errCh <- out.writeLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			status = websocket.StatusInternalError
			reason = err.Error()
			h.log.Warn().Err(err).Str("session_id", sess.ID()).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, out *wsOutbound) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var inbound proto.Inbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			// A malformed frame is the client's problem, not the session's.
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Invalid JSON"})
			continue
		}

		h.dispatch(ctx, inbound, sess, out)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, in proto.Inbound, sess *session.Session, out *wsOutbound) {
	switch in.Type {
	case proto.TypeRegister:
		switch err := sess.Register(ctx, in.Username, in.Password); {
		case err == nil:
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventRegistered, Text: "Registration successful"})
		case errors.Is(err, auth.ErrUserExists):
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventRegistered, Text: "Username already exists"})
		default:
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: err.Error()})
		}

	case proto.TypeLogin:
		switch err := sess.Login(ctx, in.Username, in.Password); {
		case err == nil:
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventLogin, Text: "Login successful"})
		case errors.Is(err, registry.ErrAlreadyOnline):
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventLogin, Text: "User already online"})
		case errors.Is(err, session.ErrAlreadyAuthenticated):
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Already logged in"})
		default:
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventLogin, Text: "Invalid credentials"})
		}

	case proto.TypeJoin:
		if in.Room == "" {
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "room is required"})
			return
		}
		history, err := sess.Join(ctx, in.Room)
		if err != nil {
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Not logged in"})
			return
		}
		out.push(proto.History{Type: proto.TypeHistory, Lines: session.FormatHistory(history)})
		out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventJoined, Text: "Joined room " + in.Room})

	case proto.TypeLeave:
		room, err := sess.Leave(ctx)
		if err != nil {
			if errors.Is(err, session.ErrNotInRoom) {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "You were not in a room"})
			} else {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Not logged in"})
			}
			return
		}
		out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventLeft, Text: "Left room " + room})

	case proto.TypeMessage:
		if err := sess.Chat(ctx, in.Text); err != nil {
			if errors.Is(err, session.ErrNotInRoom) {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "You are not in a room"})
			} else {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Not logged in"})
			}
		}

	case proto.TypeRooms:
		rooms, err := sess.Rooms()
		if err != nil {
			out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Not logged in"})
			return
		}
		out.push(proto.Rooms{Type: proto.TypeRooms, Rooms: rooms})

	case proto.TypeWho:
		room, users, err := sess.Who()
		if err != nil {
			if errors.Is(err, session.ErrNotInRoom) {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "You are not in a room"})
			} else {
				out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Not logged in"})
			}
			return
		}
		out.push(proto.Who{Type: proto.TypeWho, Room: room, Users: users})

	default:
		out.push(proto.System{Type: proto.TypeSystem, Event: proto.EventError, Text: "Unknown message type"})
	}
}

// wsOutbound queues server pushes for one connection and renders session
// events as protocol envelopes. Implements session.Outbound.
type wsOutbound struct {
	events chan any
	log    *zerolog.Logger
}

func newWSOutbound(logger *zerolog.Logger) *wsOutbound {
	return &wsOutbound{
		events: make(chan any, outboundQueueSize),
		log:    logger,
	}
}

func (o *wsOutbound) push(v any) {
	select {
	case o.events <- v:
	default:
		o.log.Warn().Msg("ws outbound queue full, dropping event")
	}
}

func (o *wsOutbound) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case event := <-o.events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *wsOutbound) Message(msg registry.Message) {
	o.push(proto.Message{
		Type:      proto.TypeMessage,
		Room:      msg.Room,
		Username:  msg.From,
		Text:      msg.Text,
		Timestamp: msg.CreatedAt.Unix(),
	})
}

func (o *wsOutbound) System(event, room, user string) {
	var text string
	switch event {
	case registry.EventConnected:
		text = user + " joined the chat"
	case registry.EventDisconnected:
		text = user + " left the chat"
	case registry.EventJoined:
		text = fmt.Sprintf("%s joined %s", user, room)
	case registry.EventLeft:
		text = fmt.Sprintf("%s left %s", user, room)
	default:
		return
	}
	o.push(proto.System{Type: proto.TypeSystem, Event: event, Text: text})
}

func (o *wsOutbound) Direct(from, text string) {
	o.push(proto.System{Type: proto.TypeSystem, Event: proto.EventPM, Text: fmt.Sprintf("[PM from %s]: %s", from, text)})
}
