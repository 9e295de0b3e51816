package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/relaychat/relaychat-server/internal/store"
)

// ErrAlreadyOnline is returned by Register when the username already has a
// live session on either transport.
var ErrAlreadyOnline = errors.New("user already online")

// System notice event names pushed to session handles.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventJoined       = "joined"
	EventLeft         = "left"
)

// Message is a chat message as delivered to sessions and listeners.
type Message struct {
	Room      string
	From      string
	Text      string
	CreatedAt time.Time
}

// Handle is the delivery side of a connected session. Implementations must
// not block: transports queue outbound writes and drop on overflow.
type Handle interface {
	// PushMessage delivers a room chat message.
	PushMessage(msg Message)
	// PushSystem delivers a system notice about user in room (room may be
	// empty for chat-wide notices).
	PushSystem(event, room, user string)
	// PushDirect delivers a private message.
	PushDirect(from, text string)
}

// Listener observes every room message system-wide, regardless of which
// transport originated it. Callbacks run synchronously inside SendToRoom and
// must return quickly; a panicking listener is isolated and skipped.
type Listener interface {
	RoomMessage(msg Message)
}

// Registry is the authoritative in-memory map of online users and live room
// member sets. Transports never mutate membership directly; everything goes
// through these methods. A single mutex guards all state so that the delivery
// set of a broadcast is always a consistent snapshot, and so that history
// order matches delivery order. Handle pushes never block, which keeps the
// critical section short.
type Registry struct {
	mu        sync.Mutex
	online    map[string]Handle
	rooms     map[string]map[string]struct{}
	listeners map[Listener]struct{}

	roomStore store.RoomStore
	history   store.HistoryStore
	log       zerolog.Logger
}

// New constructs a registry backed by the given stores.
func New(roomStore store.RoomStore, history store.HistoryStore, logger *zerolog.Logger) *Registry {
	return &Registry{
		online:    make(map[string]Handle),
		rooms:     make(map[string]map[string]struct{}),
		listeners: make(map[Listener]struct{}),
		roomStore: roomStore,
		history:   history,
		log:       logger.With().Str("component", "registry").Logger(),
	}
}

// Restore seeds the live room map from persisted membership. Rooms restored
// this way behave as if their members had just joined: they show up in room
// listings and keep the room alive until the member set empties.
func (r *Registry) Restore(ctx context.Context) error {
	names, err := r.roomStore.ListRooms(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		members, err := r.roomStore.ListMembers(ctx, name)
		if err != nil {
			r.log.Warn().Err(err).Str("room", name).Msg("restore room members")
			continue
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		r.rooms[name] = set
	}

	r.log.Info().Int("rooms", len(r.rooms)).Msg("restored rooms from store")
	return nil
}

// Register inserts username into the online map. At most one session per
// username exists at any time across all transports; a duplicate login is
// rejected with ErrAlreadyOnline. Everyone else online is notified.
func (r *Registry) Register(username string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.online[username]; ok {
		return ErrAlreadyOnline
	}
	r.online[username] = h

	for name, other := range r.online {
		if name == username {
			continue
		}
		other.PushSystem(EventConnected, "", username)
	}

	r.log.Debug().Str("user", username).Msg("user online")
	return nil
}

// Unregister removes the username from the online map. No-op if absent.
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.online[username]; !ok {
		return
	}
	delete(r.online, username)

	for _, other := range r.online {
		other.PushSystem(EventDisconnected, "", username)
	}

	r.log.Debug().Str("user", username).Msg("user offline")
}

// JoinRoom adds username to the room's member set, creating the room if
// absent, persists the membership, and notifies the room's other members.
// Returns a sorted snapshot of the membership after the join.
func (r *Registry) JoinRoom(ctx context.Context, username, room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[username] = struct{}{}

	// Storage failures degrade to in-memory membership only; the chat keeps
	// working and the record is retried on the next join.
	if err := r.roomStore.AddMember(ctx, username, room); err != nil {
		r.log.Warn().Err(err).Str("user", username).Str("room", room).Msg("persist join")
	}

	r.notifyRoomLocked(room, username, EventJoined)

	snapshot := lo.Keys(members)
	sort.Strings(snapshot)
	return snapshot
}

// LeaveRoom removes username from the room's member set, persists the
// removal, and drops the live room entry when it empties. The persisted room
// record and its history survive.
func (r *Registry) LeaveRoom(ctx context.Context, username, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, ok := members[username]; !ok {
		return
	}
	delete(members, username)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if err := r.roomStore.RemoveMember(ctx, username, room); err != nil {
		r.log.Warn().Err(err).Str("user", username).Str("room", room).Msg("persist leave")
	}

	r.notifyRoomLocked(room, username, EventLeft)
}

// SendToRoom persists the message with a server timestamp and delivers it
// exactly once to every online member of the room, sender included, then
// invokes every subscribed listener once. The member snapshot, history append
// and delivery happen under the registry lock so receivers perceive delivery
// order identical to timestamp order.
func (r *Registry) SendToRoom(ctx context.Context, room, sender, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}

	ts, err := r.history.AppendMessage(ctx, room, sender, text)
	if err != nil {
		r.log.Warn().Err(err).Str("room", room).Msg("persist message")
		ts = time.Now().UTC()
	}

	msg := Message{Room: room, From: sender, Text: text, CreatedAt: ts}

	for member := range members {
		if h, online := r.online[member]; online {
			h.PushMessage(msg)
		}
	}

	for l := range r.listeners {
		r.invokeListener(l, msg)
	}
}

// SendDirect delivers a private message to the target if online. Direct
// messages are never persisted. Returns false when the target is offline.
func (r *Registry) SendDirect(target, from, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.online[target]
	if !ok {
		return false
	}
	h.PushDirect(from, text)
	return true
}

// RoomMembers returns a sorted point-in-time snapshot of the room's member
// set. Unknown rooms yield an empty slice.
func (r *Registry) RoomMembers(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	snapshot := lo.Keys(members)
	sort.Strings(snapshot)
	return snapshot
}

// AllRooms returns a sorted snapshot of live room names.
func (r *Registry) AllRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := lo.Keys(r.rooms)
	sort.Strings(names)
	return names
}

// Online reports whether username currently has a live session.
func (r *Registry) Online(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.online[username]
	return ok
}

// Subscribe registers a listener for every room message system-wide.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[l] = struct{}{}
}

// Unsubscribe removes a previously registered listener. No-op if absent.
func (r *Registry) Unsubscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, l)
}

// notifyRoomLocked pushes a join/leave notice to every online member of the
// room except the subject. Caller holds r.mu.
func (r *Registry) notifyRoomLocked(room, subject, event string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	for member := range members {
		if member == subject {
			continue
		}
		if h, online := r.online[member]; online {
			h.PushSystem(event, room, subject)
		}
	}
}

// invokeListener isolates a single listener callback so one misbehaving
// subscriber cannot abort delivery to the rest.
func (r *Registry) invokeListener(l Listener, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("room message listener panicked")
		}
	}()
	l.RoomMessage(msg)
}
