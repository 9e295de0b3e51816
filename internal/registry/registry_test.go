package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicate(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()

	req.NoError(reg.Register("alice", &fakeHandle{}))
	req.ErrorIs(reg.Register("alice", &fakeHandle{}), ErrAlreadyOnline)
	req.True(reg.Online("alice"))
}

func TestRegisterNotifiesOthers(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()

	alice := &fakeHandle{}
	bob := &fakeHandle{}

	req.NoError(reg.Register("alice", alice))
	req.NoError(reg.Register("bob", bob))

	connected := alice.systemEvents(EventConnected)
	req.Len(connected, 1)
	req.Equal("bob", connected[0].user)

	// The newcomer does not hear about itself.
	req.Empty(bob.systemEvents(EventConnected))
}

func TestUnregisterNotifiesRemaining(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()

	alice := &fakeHandle{}
	req.NoError(reg.Register("alice", alice))
	req.NoError(reg.Register("bob", &fakeHandle{}))

	reg.Unregister("bob")
	req.False(reg.Online("bob"))

	left := alice.systemEvents(EventDisconnected)
	req.Len(left, 1)
	req.Equal("bob", left[0].user)

	// Unregistering an unknown user is a no-op.
	reg.Unregister("ghost")
}

func TestJoinLeaveSetSemantics(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	req.NoError(reg.Register("alice", &fakeHandle{}))
	req.NoError(reg.Register("bob", &fakeHandle{}))

	reg.JoinRoom(ctx, "alice", "general")
	reg.JoinRoom(ctx, "bob", "general")
	reg.JoinRoom(ctx, "alice", "general") // idempotent
	reg.LeaveRoom(ctx, "bob", "general")

	req.Equal([]string{"alice"}, reg.RoomMembers("general"))
	req.Equal([]string{"general"}, reg.AllRooms())
}

func TestLeaveLastMemberDropsLiveRoomKeepsPersisted(t *testing.T) {
	req := require.New(t)
	reg, rooms, _ := newTestRegistry()
	ctx := context.Background()

	req.NoError(reg.Register("alice", &fakeHandle{}))
	reg.JoinRoom(ctx, "alice", "general")
	reg.LeaveRoom(ctx, "alice", "general")

	req.Empty(reg.AllRooms())
	req.Empty(reg.RoomMembers("general"))

	// The persisted room record survives the live entry.
	persisted, err := rooms.ListRooms(ctx)
	req.NoError(err)
	req.Contains(persisted, "general")
}

func TestJoinNotifiesOnlyOtherMembers(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	alice := &fakeHandle{}
	bob := &fakeHandle{}
	req.NoError(reg.Register("alice", alice))
	req.NoError(reg.Register("bob", bob))

	reg.JoinRoom(ctx, "alice", "general")
	reg.JoinRoom(ctx, "bob", "general")

	joined := alice.systemEvents(EventJoined)
	req.Len(joined, 1)
	req.Equal("bob", joined[0].user)
	req.Equal("general", joined[0].room)

	req.Empty(bob.systemEvents(EventJoined))
}

func TestSendToRoomDeliversExactlyOnceIncludingSender(t *testing.T) {
	req := require.New(t)
	reg, _, history := newTestRegistry()
	ctx := context.Background()

	alice := &fakeHandle{}
	bob := &fakeHandle{}
	carol := &fakeHandle{}
	req.NoError(reg.Register("alice", alice))
	req.NoError(reg.Register("bob", bob))
	req.NoError(reg.Register("carol", carol))

	reg.JoinRoom(ctx, "alice", "general")
	reg.JoinRoom(ctx, "bob", "general")
	reg.JoinRoom(ctx, "carol", "other")

	reg.SendToRoom(ctx, "general", "alice", "hi")

	for _, h := range []*fakeHandle{alice, bob} {
		msgs := h.messages()
		req.Len(msgs, 1)
		req.Equal("alice", msgs[0].From)
		req.Equal("hi", msgs[0].Text)
		req.Equal("general", msgs[0].Room)
		req.False(msgs[0].CreatedAt.IsZero())
	}

	// Non-members hear nothing.
	req.Empty(carol.messages())

	// Persisted before fan-out, as the last entry.
	recent, err := history.RecentMessages(ctx, "general", 20)
	req.NoError(err)
	req.Len(recent, 1)
	req.Equal("alice", recent[0].Username)
	req.Equal("hi", recent[0].Text)
}

func TestSendToRoomUnknownRoomIsNoop(t *testing.T) {
	req := require.New(t)
	reg, _, history := newTestRegistry()
	ctx := context.Background()

	alice := &fakeHandle{}
	req.NoError(reg.Register("alice", alice))

	reg.SendToRoom(ctx, "ghost", "alice", "hello?")

	req.Empty(alice.messages())
	recent, err := history.RecentMessages(ctx, "ghost", 20)
	req.NoError(err)
	req.Empty(recent)
}

func TestSendDirect(t *testing.T) {
	req := require.New(t)
	reg, _, history := newTestRegistry()

	bob := &fakeHandle{}
	req.NoError(reg.Register("bob", bob))

	req.True(reg.SendDirect("bob", "alice", "psst"))
	req.False(reg.SendDirect("ghost", "alice", "anyone?"))

	recorded := bob.recorded()
	req.Len(recorded, 1)
	req.Equal("direct", recorded[0].kind)
	req.Equal("alice", recorded[0].from)
	req.Equal("psst", recorded[0].text)

	// Direct messages are never persisted.
	recent, err := history.RecentMessages(context.Background(), "", 20)
	req.NoError(err)
	req.Empty(recent)
}

type recordingListener struct {
	mu   sync.Mutex
	msgs []Message
}

func (l *recordingListener) RoomMessage(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

type panicListener struct{}

func (panicListener) RoomMessage(Message) { panic("listener boom") }

func TestListenersReceiveEveryRoomMessage(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	req.NoError(reg.Register("alice", &fakeHandle{}))
	reg.JoinRoom(ctx, "alice", "general")

	l := &recordingListener{}
	reg.Subscribe(l)

	reg.SendToRoom(ctx, "general", "alice", "one")
	reg.SendToRoom(ctx, "general", "alice", "two")

	reg.Unsubscribe(l)
	reg.SendToRoom(ctx, "general", "alice", "three")

	req.Len(l.msgs, 2)
	req.Equal("one", l.msgs[0].Text)
	req.Equal("two", l.msgs[1].Text)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	alice := &fakeHandle{}
	req.NoError(reg.Register("alice", alice))
	reg.JoinRoom(ctx, "alice", "general")

	good := &recordingListener{}
	reg.Subscribe(panicListener{})
	reg.Subscribe(good)

	req.NotPanics(func() {
		reg.SendToRoom(ctx, "general", "alice", "still here")
	})

	// Members and the healthy listener are unaffected.
	req.Len(alice.messages(), 1)
	req.Len(good.msgs, 1)
}

func TestRestoreSeedsPersistedRooms(t *testing.T) {
	req := require.New(t)
	rooms := newMemRoomStore()
	ctx := context.Background()
	req.NoError(rooms.AddMember(ctx, "alice", "general"))
	req.NoError(rooms.AddMember(ctx, "bob", "general"))
	req.NoError(rooms.AddMember(ctx, "carol", "random"))

	logger := newTestRegistryLogger()
	reg := New(rooms, &memHistory{}, logger)
	req.NoError(reg.Restore(ctx))

	req.Equal([]string{"general", "random"}, reg.AllRooms())
	req.Equal([]string{"alice", "bob"}, reg.RoomMembers("general"))
}

func TestConcurrentJoinsAndSendsStayConsistent(t *testing.T) {
	req := require.New(t)
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	const users = 16
	handles := make([]*fakeHandle, users)
	for i := range handles {
		handles[i] = &fakeHandle{}
		req.NoError(reg.Register(fmt.Sprintf("user%02d", i), handles[i]))
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user%02d", i)
			reg.JoinRoom(ctx, name, "busy")
			reg.SendToRoom(ctx, "busy", name, "hello")
		}(i)
	}
	wg.Wait()

	req.Len(reg.RoomMembers("busy"), users)

	// Every member present at each send received that message exactly once;
	// the last joiner is certainly a member for its own send.
	for i, h := range handles {
		own := 0
		for _, m := range h.messages() {
			if m.From == fmt.Sprintf("user%02d", i) {
				own++
			}
		}
		req.Equal(1, own, "sender must receive its own message exactly once")
	}
}
