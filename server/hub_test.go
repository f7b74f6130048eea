package server

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptstudio/collab/bus"
	"promptstudio/collab/crdt"
	"promptstudio/collab/protocol"
	"promptstudio/collab/store"
)

const waitFor = 2 * time.Second

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func startHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	cfg.Logger = quietLogger()
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	c := NewClient(32)
	require.True(t, h.Register(c))
	return c
}

func dispatch(t *testing.T, h *Hub, c *Client, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	h.Dispatch(c, env)
}

func join(t *testing.T, h *Hub, c *Client, room, userID string) {
	t.Helper()
	dispatch(t, h, c, protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID: room,
		User:   protocol.User{UserID: userID, UserName: "user " + userID, Color: "#FF6B6B"},
	})
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.Send():
		require.True(t, ok, "client was dropped")
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func nextEvent(t *testing.T, c *Client, event string, v any) {
	t.Helper()
	env := next(t, c)
	require.Equal(t, event, env.Event)
	if v != nil {
		require.NoError(t, env.Payload(v))
	}
}

// settle waits until the hub has processed everything dispatched so far.
func settle(t *testing.T, h *Hub) {
	t.Helper()
	require.NoError(t, h.Query(context.Background(), func(*Registry) {}))
}

func expectNothing(t *testing.T, h *Hub, c *Client) {
	t.Helper()
	settle(t, h)
	select {
	case frame := <-c.Send():
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

// joined joins c and consumes the sync-initial and users-list replies.
func joined(t *testing.T, h *Hub, c *Client, room, userID string) (state protocol.Bytes, users []protocol.User) {
	t.Helper()
	join(t, h, c, room, userID)
	nextEvent(t, c, protocol.EventSyncInitial, &state)
	nextEvent(t, c, protocol.EventUsersList, &users)
	return state, users
}

func helloUpdate(t *testing.T) []byte {
	t.Helper()
	doc := crdt.NewDocument()
	require.NoError(t, doc.GetText("body").Insert(0, "Hello"))
	return doc.CaptureUpdate()
}

func materialize(t *testing.T, updates ...[]byte) string {
	t.Helper()
	doc := crdt.NewDocument()
	for _, u := range updates {
		require.NoError(t, doc.ApplyUpdate(u, nil))
	}
	return doc.GetText("body").String()
}

func TestHub_JoinRepliesAndAnnounces(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)

	_, users := joined(t, h, a, "r1", "a")
	assert.Empty(t, users)

	_, users = joined(t, h, b, "r1", "b")
	require.Len(t, users, 1)
	assert.Equal(t, "a", users[0].UserID)

	var announced protocol.User
	nextEvent(t, a, protocol.EventUserJoined, &announced)
	assert.Equal(t, protocol.User{UserID: "b", UserName: "user b", Color: "#FF6B6B"}, announced)
	expectNothing(t, h, b)
}

func TestHub_LateJoinerGetsSnapshot(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")

	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	expectNothing(t, h, a)

	state, _ := joined(t, h, b, "r1", "b")
	assert.Equal(t, "Hello", materialize(t, state))
}

func TestHub_RelaysUpdateUnmodified(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b, c := connect(t, h), connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, b, "r1", "b")
	joined(t, h, c, "r1", "c")
	nextEvent(t, a, protocol.EventUserJoined, nil)
	nextEvent(t, a, protocol.EventUserJoined, nil)
	nextEvent(t, b, protocol.EventUserJoined, nil)

	update := helloUpdate(t)
	dispatch(t, h, b, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: update})

	for _, peer := range []*Client{a, c} {
		var relayed protocol.Bytes
		nextEvent(t, peer, protocol.EventSyncUpdate, &relayed)
		assert.Equal(t, update, []byte(relayed))
	}
	expectNothing(t, h, b)

	text, ok, err := h.Text(context.Background(), "r1", "body")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Hello", text)
}

func TestHub_TextOfUnknownFieldIsNotCreated(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})

	_, ok, err := h.Text(context.Background(), "r1", "footer")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = h.Text(context.Background(), "nope", "body")
	require.NoError(t, err)
	assert.False(t, ok)

	stats, ok, err := h.Room(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"body"}, stats.Fields)
}

func TestHub_RelaysLongPasteInParts(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, b, "r1", "b")
	nextEvent(t, a, protocol.EventUserJoined, nil)

	doc := crdt.NewDocument()
	paste := strings.Repeat("a long pasted paragraph. ", 2000)
	require.NoError(t, doc.GetText("body").Insert(0, paste))
	parts, err := crdt.SplitUpdate(doc.CaptureUpdate(), 8<<10)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)

	// Parts may arrive in any order.
	for i := len(parts) - 1; i >= 0; i-- {
		dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: parts[i]})
	}
	relayed := make([][]byte, 0, len(parts))
	for range parts {
		var got protocol.Bytes
		nextEvent(t, b, protocol.EventSyncUpdate, &got)
		relayed = append(relayed, got)
	}
	assert.Equal(t, paste, materialize(t, relayed...))

	text, ok, err := h.Text(context.Background(), "r1", "body")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, paste, text)
}

func TestHub_RelayOrderFollowsArrival(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, b, "r1", "b")
	nextEvent(t, a, protocol.EventUserJoined, nil)

	doc := crdt.NewDocument()
	text := doc.GetText("body")
	var sent [][]byte
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, text.Insert(text.Len(), s))
		u := doc.CaptureUpdate()
		sent = append(sent, u)
		dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: u})
	}
	for _, want := range sent {
		var got protocol.Bytes
		nextEvent(t, b, protocol.EventSyncUpdate, &got)
		assert.Equal(t, want, []byte(got))
	}
}

func TestHub_DisconnectAnnouncesUserLeft(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, b, "r1", "b")
	joined(t, h, a, "r1", "a")
	nextEvent(t, b, protocol.EventUserJoined, nil)

	h.Unregister(a)

	var left protocol.UserLeft
	nextEvent(t, b, protocol.EventUserLeft, &left)
	assert.Equal(t, protocol.UserLeft{UserID: "a", UserName: "user a"}, left)

	_, ok := <-a.Send()
	assert.False(t, ok, "send channel is closed on disconnect")
}

func TestHub_ExplicitLeave(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, b, "r1", "b")
	joined(t, h, a, "r1", "a")
	nextEvent(t, b, protocol.EventUserJoined, nil)

	dispatch(t, h, a, protocol.EventLeaveRoom, "other")
	expectNothing(t, h, b)

	dispatch(t, h, a, protocol.EventLeaveRoom, "r1")
	var left protocol.UserLeft
	nextEvent(t, b, protocol.EventUserLeft, &left)
	assert.Equal(t, "a", left.UserID)

	// a is still connected and can send to a room it left.
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	nextEvent(t, b, protocol.EventSyncUpdate, nil)
}

func TestHub_CorruptUpdateIsDropped(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b, c := connect(t, h), connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, b, "r1", "b")
	nextEvent(t, a, protocol.EventUserJoined, nil)

	good := helloUpdate(t)
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: good})
	nextEvent(t, b, protocol.EventSyncUpdate, nil)

	corrupt := append([]byte(nil), helloUpdate(t)...)
	corrupt[len(corrupt)/2] ^= 0xFF
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: corrupt})
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: []byte("garbage")})
	expectNothing(t, h, b)

	state, _ := joined(t, h, c, "r1", "c")
	assert.Equal(t, "Hello", materialize(t, state))

	// The sender stays connected.
	dispatch(t, h, a, protocol.EventPing, nil)
	nextEvent(t, a, protocol.EventUserJoined, nil)
	nextEvent(t, a, protocol.EventPong, nil)
}

func TestHub_RoomIsolation(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b, c := connect(t, h), connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, c, "r1", "c")
	nextEvent(t, a, protocol.EventUserJoined, nil)
	joined(t, h, b, "r2", "b")

	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	dispatch(t, h, a, protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: "r1", Position: protocol.Position{Line: 1}})
	nextEvent(t, c, protocol.EventSyncUpdate, nil)
	nextEvent(t, c, protocol.EventCursorUpdate, nil)
	expectNothing(t, h, b)

	text, _, err := h.Text(context.Background(), "r2", "body")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestHub_UpdateForUnknownRoomIsDropped(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "ghost", Update: helloUpdate(t)})
	expectNothing(t, h, a)

	rooms, err := h.Rooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestHub_JoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, b, "r1", "b")
	joined(t, h, a, "r1", "a")
	nextEvent(t, b, protocol.EventUserJoined, nil)

	joined(t, h, a, "r2", "a")
	var left protocol.UserLeft
	nextEvent(t, b, protocol.EventUserLeft, &left)
	assert.Equal(t, "a", left.UserID)

	dispatch(t, h, b, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	expectNothing(t, h, a)
}

func TestHub_RejoinSameRoomResendsState(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, b, "r1", "b")
	joined(t, h, a, "r1", "a")
	nextEvent(t, b, protocol.EventUserJoined, nil)

	_, users := joined(t, h, a, "r1", "a")
	require.Len(t, users, 1)
	expectNothing(t, h, b)

	stats, ok, err := h.Room(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, stats.ActiveConnections)
}

func TestHub_PresenceRelay(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b, c := connect(t, h), connect(t, h), connect(t, h)
	joined(t, h, a, "r1", "a")
	joined(t, h, b, "r1", "b")
	nextEvent(t, a, protocol.EventUserJoined, nil)

	pos := protocol.Position{Line: 3, Column: 7}
	sel := protocol.Selection{Start: protocol.Position{Line: 1}, End: protocol.Position{Line: 2, Column: 4}}
	dispatch(t, h, a, protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: "r1", Position: pos})
	dispatch(t, h, a, protocol.EventSelectionUpdate, protocol.SelectionUpdate{RoomID: "r1", Selection: sel})

	var cursor protocol.PeerCursor
	nextEvent(t, b, protocol.EventCursorUpdate, &cursor)
	assert.Equal(t, protocol.PeerCursor{UserID: "a", UserName: "user a", Color: "#FF6B6B", Position: pos}, cursor)

	var selection protocol.PeerSelection
	nextEvent(t, b, protocol.EventSelectionUpdate, &selection)
	assert.Equal(t, "a", selection.UserID)
	assert.Equal(t, sel, selection.Selection)
	expectNothing(t, h, a)

	// Late joiners see the last known presence.
	_, users := joined(t, h, c, "r1", "c")
	require.Len(t, users, 2)
	require.NotNil(t, users[0].Cursor)
	assert.Equal(t, pos, *users[0].Cursor)
	require.NotNil(t, users[0].Selection)
	assert.Equal(t, sel, *users[0].Selection)
	assert.Nil(t, users[1].Cursor)
}

func TestHub_PresenceRequiresMembership(t *testing.T) {
	h := startHub(t, HubConfig{})
	a, b := connect(t, h), connect(t, h)
	joined(t, h, b, "r1", "b")

	dispatch(t, h, a, protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: "r1"})
	dispatch(t, h, a, protocol.EventSelectionUpdate, protocol.SelectionUpdate{RoomID: "r1"})
	expectNothing(t, h, b)
}

func TestHub_PingPong(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	dispatch(t, h, a, protocol.EventPing, nil)
	nextEvent(t, a, protocol.EventPong, nil)
}

func TestHub_MalformedPayloadsAreIgnored(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	h.Dispatch(a, protocol.Envelope{Event: protocol.EventJoinRoom, Data: []byte(`"not an object"`)})
	h.Dispatch(a, protocol.Envelope{Event: protocol.EventSyncUpdate})
	h.Dispatch(a, protocol.Envelope{Event: "draw-circle", Data: []byte(`{}`)})
	dispatch(t, h, a, protocol.EventJoinRoom, protocol.JoinRoom{})
	expectNothing(t, h, a)

	n, err := h.Connections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHub_UnregisteredClientIsIgnored(t *testing.T) {
	h := startHub(t, HubConfig{})
	stranger := NewClient(4)
	join(t, h, stranger, "r1", "s")
	expectNothing(t, h, stranger)
}

func TestHub_EvictsEmptyRoomImmediately(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	h.Unregister(a)

	rooms, err := h.Rooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)

	b := connect(t, h)
	state, _ := joined(t, h, b, "r1", "b")
	assert.Empty(t, materialize(t, state), "an evicted room starts over")
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHub_GracePeriodSweep(t *testing.T) {
	clk := &clock{now: time.Now()}
	h := startHub(t, HubConfig{GracePeriod: time.Minute, SweepInterval: 5 * time.Millisecond, Now: clk.Now})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	h.Unregister(a)

	roomCount := func() int {
		rooms, err := h.Rooms(context.Background())
		require.NoError(t, err)
		return len(rooms)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, roomCount(), "kept during the grace period")

	clk.Advance(time.Minute)
	assert.Eventually(t, func() bool { return roomCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestHub_GracePeriodCanBeShortened(t *testing.T) {
	h := startHub(t, HubConfig{GracePeriod: time.Hour, SweepInterval: 5 * time.Millisecond})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	h.Unregister(a)

	h.SetGracePeriod(0)
	assert.Eventually(t, func() bool {
		rooms, err := h.Rooms(context.Background())
		return err == nil && len(rooms) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := startHub(t, HubConfig{})
	a := connect(t, h)
	slow := NewClient(1)
	require.True(t, h.Register(slow))
	joined(t, h, a, "r1", "a")

	// Only sync-initial fits in the buffer.
	join(t, h, slow, "r1", "slow")
	settle(t, h)

	var left protocol.UserLeft
	nextEvent(t, a, protocol.EventUserLeft, &left)
	assert.Equal(t, "slow", left.UserID)
	expectNothing(t, h, a)

	nextEvent(t, slow, protocol.EventSyncInitial, nil)
	_, ok := <-slow.Send()
	assert.False(t, ok)

	stats, _, err := h.Room(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveConnections)
}

func TestHub_SnapshotsSurviveEviction(t *testing.T) {
	snaps := store.NewMemory()
	h := startHub(t, HubConfig{Store: snaps})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	h.Unregister(a)

	assert.Eventually(t, func() bool {
		saved, err := snaps.Load(context.Background(), "r1")
		return err == nil && saved != nil
	}, waitFor, 5*time.Millisecond)

	b := connect(t, h)
	join(t, h, b, "r1", "b")
	assert.Eventually(t, func() bool {
		text, _, err := h.Text(context.Background(), "r1", "body")
		return err == nil && text == "Hello"
	}, waitFor, 5*time.Millisecond)
}

func TestHub_RestoresFromStoreAndRelays(t *testing.T) {
	snaps := store.NewMemory()
	require.NoError(t, snaps.Save(context.Background(), "r1", helloUpdate(t)))
	h := startHub(t, HubConfig{Store: snaps})

	a := connect(t, h)
	state, _ := joined(t, h, a, "r1", "a")
	updates := [][]byte{state}
	if materialize(t, updates...) != "Hello" {
		var relayed protocol.Bytes
		nextEvent(t, a, protocol.EventSyncUpdate, &relayed)
		updates = append(updates, relayed)
	}
	assert.Equal(t, "Hello", materialize(t, updates...))
}

func TestHub_ShutdownSavesRooms(t *testing.T) {
	snaps := store.NewMemory()
	h := NewHub(HubConfig{Store: snaps, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	a := connect(t, h)
	joined(t, h, a, "r1", "a")
	dispatch(t, h, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: helloUpdate(t)})
	settle(t, h)

	cancel()
	require.NoError(t, <-done)
	_, ok := <-a.Send()
	assert.False(t, ok, "clients are released on shutdown")

	saved, err := snaps.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", materialize(t, saved))

	assert.False(t, h.Register(NewClient(1)))
	assert.ErrorIs(t, h.Query(context.Background(), func(*Registry) {}), ErrHubStopped)
	assert.ErrorIs(t, h.Run(context.Background()), ErrHubRunning)
}

func TestHub_InstancesShareRoomsOverBus(t *testing.T) {
	shared := bus.NewMemory()
	h1 := startHub(t, HubConfig{Bus: shared})
	h2 := startHub(t, HubConfig{Bus: shared})

	hello := helloUpdate(t)
	a := connect(t, h1)
	joined(t, h1, a, "r1", "a")
	dispatch(t, h1, a, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: hello})
	settle(t, h1)

	// b's room on h2 is new, so h2 asks h1 for its state.
	b := connect(t, h2)
	state, _ := joined(t, h2, b, "r1", "b")
	updates := [][]byte{state}
	for materialize(t, updates...) != "Hello" {
		var relayed protocol.Bytes
		nextEvent(t, b, protocol.EventSyncUpdate, &relayed)
		updates = append(updates, relayed)
	}

	doc := crdt.NewDocument()
	for _, u := range updates {
		require.NoError(t, doc.ApplyUpdate(u, nil))
	}
	require.NoError(t, doc.GetText("body").Insert(5, " world"))
	dispatch(t, h2, b, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: "r1", Update: doc.CaptureUpdate()})

	assert.Eventually(t, func() bool {
		text, _, err := h1.Text(context.Background(), "r1", "body")
		return err == nil && text == "Hello world"
	}, waitFor, 5*time.Millisecond)

	var relayed protocol.Bytes
	nextEvent(t, a, protocol.EventSyncUpdate, &relayed)
	assert.Equal(t, "Hello world", materialize(t, hello, relayed))
}

func TestHub_IgnoresBusTrafficForOtherRooms(t *testing.T) {
	shared := bus.NewMemory()
	h := startHub(t, HubConfig{Bus: shared})
	a := connect(t, h)
	joined(t, h, a, "r1", "a")

	require.NoError(t, shared.Publish(context.Background(), bus.Message{Node: "other", Room: "r2", Kind: bus.KindUpdate, Update: helloUpdate(t)}))
	require.NoError(t, shared.Publish(context.Background(), bus.Message{Node: "other", Room: "r1", Kind: bus.KindUpdate, Update: []byte("junk")}))
	require.NoError(t, shared.Publish(context.Background(), bus.Message{Node: h.Node(), Room: "r1", Kind: bus.KindUpdate, Update: helloUpdate(t)}))
	time.Sleep(20 * time.Millisecond)
	expectNothing(t, h, a)

	rooms, err := h.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].RoomID)
}
