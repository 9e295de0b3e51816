package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/store"
)

// memRoomStore is an in-memory store.RoomStore for registry tests.
type memRoomStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func newMemRoomStore() *memRoomStore {
	return &memRoomStore{rooms: make(map[string]map[string]struct{})}
}

func (m *memRoomStore) EnsureRoom(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[name]; !ok {
		m.rooms[name] = make(map[string]struct{})
	}
	return nil
}

func (m *memRoomStore) AddMember(ctx context.Context, username, room string) error {
	if err := m.EnsureRoom(ctx, room); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room][username] = struct{}{}
	return nil
}

func (m *memRoomStore) RemoveMember(_ context.Context, username, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[room]; ok {
		delete(members, username)
	}
	return nil
}

func (m *memRoomStore) ListRooms(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	return names, nil
}

func (m *memRoomStore) ListMembers(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var usernames []string
	for username := range m.rooms[room] {
		usernames = append(usernames, username)
	}
	return usernames, nil
}

// memHistory is an in-memory store.HistoryStore with strictly increasing
// timestamps.
type memHistory struct {
	mu   sync.Mutex
	msgs []*store.Message
	last time.Time
}

func (m *memHistory) AppendMessage(_ context.Context, room, username, text string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := time.Now().UTC()
	if !ts.After(m.last) {
		ts = m.last.Add(time.Microsecond)
	}
	m.last = ts
	m.msgs = append(m.msgs, &store.Message{
		ID:        int64(len(m.msgs) + 1),
		Room:      room,
		Username:  username,
		Text:      text,
		CreatedAt: ts,
	})
	return ts, nil
}

func (m *memHistory) RecentMessages(_ context.Context, room string, limit int) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*store.Message
	for _, msg := range m.msgs {
		if msg.Room == room {
			all = append(all, msg)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// push records what a session handle received.
type push struct {
	kind  string // "message", "system", "direct"
	msg   Message
	event string
	room  string
	user  string
	from  string
	text  string
}

// fakeHandle records every delivery for assertions.
type fakeHandle struct {
	mu     sync.Mutex
	pushes []push
}

func (f *fakeHandle) PushMessage(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{kind: "message", msg: msg})
}

func (f *fakeHandle) PushSystem(event, room, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{kind: "system", event: event, room: room, user: user})
}

func (f *fakeHandle) PushDirect(from, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{kind: "direct", from: from, text: text})
}

func (f *fakeHandle) recorded() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]push, len(f.pushes))
	copy(out, f.pushes)
	return out
}

func (f *fakeHandle) messages() []Message {
	var msgs []Message
	for _, p := range f.recorded() {
		if p.kind == "message" {
			msgs = append(msgs, p.msg)
		}
	}
	return msgs
}

func (f *fakeHandle) systemEvents(event string) []push {
	var out []push
	for _, p := range f.recorded() {
		if p.kind == "system" && p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func newTestRegistryLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newTestRegistry() (*Registry, *memRoomStore, *memHistory) {
	rooms := newMemRoomStore()
	history := &memHistory{}
	logger := zerolog.Nop()
	return New(rooms, history, &logger), rooms, history
}
