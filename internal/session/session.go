package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/registry"
	"github.com/relaychat/relaychat-server/internal/store"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateUnauthenticated is the initial state of every accepted channel.
	StateUnauthenticated State = iota
	// StateAuthenticating means at least one login/register attempt was made.
	StateAuthenticating
	// StateActive means the session owns an online identity and accepts
	// chat input and commands.
	StateActive
	// StateClosed is terminal; cleanup has run exactly once.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotAuthenticated is returned for active-only operations before login.
	ErrNotAuthenticated = errors.New("not logged in")
	// ErrAlreadyAuthenticated is returned for a login attempt on a session
	// that already holds an identity; re-login on the same channel is not
	// permitted.
	ErrAlreadyAuthenticated = errors.New("already logged in")
	// ErrNotInRoom is returned for room-scoped operations without a room.
	ErrNotInRoom = errors.New("not in a room")
	// ErrTargetOffline is returned when a direct message target is offline.
	ErrTargetOffline = errors.New("target not online")
	// ErrClosed is returned for any input after the session closed.
	ErrClosed = errors.New("session closed")
)

// Outbound is the rendering side a transport adapter plugs into a session.
// Calls may originate from other sessions' goroutines via registry fan-out,
// so implementations serialize writes to their channel and never block.
type Outbound interface {
	// Message renders a room chat message.
	Message(msg registry.Message)
	// System renders a registry notice (connected, disconnected, joined, left).
	System(event, room, user string)
	// Direct renders a private message.
	Direct(from, text string)
}

// Session drives one connected channel through authentication and the command
// loop. Both transport adapters share it; they only differ in how they decode
// input into these method calls and render the results. The session is the
// only piece that talks to the registry on behalf of its channel, and it
// implements registry.Handle so fan-out reaches the channel's Outbound.
type Session struct {
	id      string
	reg     *registry.Registry
	auth    *auth.Service
	history store.HistoryStore
	limit   int
	out     Outbound
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	username string
	room     string
}

// New constructs a session for a freshly accepted channel.
func New(reg *registry.Registry, authSvc *auth.Service, history store.HistoryStore, historyLimit int, out Outbound, logger *zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		reg:     reg,
		auth:    authSvc,
		history: history,
		limit:   historyLimit,
		out:     out,
		log:     logger.With().Str("component", "session").Str("session_id", id).Logger(),
	}
}

// ID returns the channel-unique session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the authenticated identity, or "" before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Room returns the current room, or "" when not in one.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Register creates an account. The session stays unauthenticated: the user
// still has to log in, matching the interactive flow of the line protocol.
// Repeated failures keep the machine in StateAuthenticating.
func (s *Session) Register(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateActive:
		return ErrAlreadyAuthenticated
	default:
		s.state = StateAuthenticating
	}

	return s.auth.Register(ctx, username, password)
}

// Login verifies credentials and claims the online identity. On success the
// machine transitions to StateActive exactly once per session lifetime; a
// duplicate online identity rejects the attempt and the machine stays in
// StateAuthenticating.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateActive:
		return ErrAlreadyAuthenticated
	default:
		s.state = StateAuthenticating
	}

	canonical, err := s.auth.Login(ctx, username, password)
	if err != nil {
		return err
	}

	if err := s.reg.Register(canonical, s); err != nil {
		return err
	}

	s.username = canonical
	s.state = StateActive
	s.log.Info().Str("user", canonical).Msg("session authenticated")
	return nil
}

// Join adds the session to a room, implicitly leaving the previous one, and
// returns the recent history of the new room oldest-first.
func (s *Session) Join(ctx context.Context, room string) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return nil, err
	}

	if s.room != "" && s.room != room {
		s.reg.LeaveRoom(ctx, s.username, s.room)
	}
	s.reg.JoinRoom(ctx, s.username, room)
	s.room = room

	history, err := s.history.RecentMessages(ctx, room, s.limit)
	if err != nil {
		// History is a courtesy; the join itself already succeeded.
		s.log.Warn().Err(err).Str("room", room).Msg("load history")
		return nil, nil
	}
	return history, nil
}

// Leave removes the session from its current room and returns the room name.
func (s *Session) Leave(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return "", err
	}
	if s.room == "" {
		return "", ErrNotInRoom
	}

	room := s.room
	s.reg.LeaveRoom(ctx, s.username, room)
	s.room = ""
	return room, nil
}

// Chat broadcasts text to the current room.
func (s *Session) Chat(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	if s.room == "" {
		return ErrNotInRoom
	}

	s.reg.SendToRoom(ctx, s.room, s.username, text)
	return nil
}

// Rooms returns a snapshot of live room names.
func (s *Session) Rooms() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return nil, err
	}
	return s.reg.AllRooms(), nil
}

// Who returns the current room and its member snapshot.
func (s *Session) Who() (string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return "", nil, err
	}
	if s.room == "" {
		return "", nil, ErrNotInRoom
	}
	return s.room, s.reg.RoomMembers(s.room), nil
}

// Direct sends a private message to another online user.
func (s *Session) Direct(target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	if !s.reg.SendDirect(target, s.username, text) {
		return ErrTargetOffline
	}
	return nil
}

// Close runs the cleanup sequence exactly once: leave the current room, then
// release the online identity. Safe to call from any goroutine and repeatedly.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	if s.room != "" {
		s.reg.LeaveRoom(ctx, s.username, s.room)
		s.room = ""
	}
	if s.state == StateActive {
		s.reg.Unregister(s.username)
	}
	s.state = StateClosed
	s.log.Debug().Msg("session closed")
}

func (s *Session) requireActiveLocked() error {
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateActive:
		return nil
	default:
		return ErrNotAuthenticated
	}
}

// ==== registry.Handle implementation ====
//
// These run on the sending session's goroutine while the registry lock is
// held; they forward straight to the adapter's Outbound, which queues.

func (s *Session) PushMessage(msg registry.Message) {
	s.out.Message(msg)
}

func (s *Session) PushSystem(event, room, user string) {
	s.out.System(event, room, user)
}

func (s *Session) PushDirect(from, text string) {
	s.out.Direct(from, text)
}

// FormatHistory renders persisted messages the way both transports present
// history lines.
func FormatHistory(messages []*store.Message) []string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Username, m.Text))
	}
	return lines
}
