package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"promptstudio/collab/bus"
	"promptstudio/collab/protocol"
	"promptstudio/collab/store"
)

const (
	DefaultSendBuffer    = 256
	DefaultSweepInterval = 5 * time.Minute
	DefaultStoreTimeout  = 2 * time.Second
	outboxSize           = 256
)

var (
	ErrHubRunning = errors.New("server: hub already running")
	ErrHubStopped = errors.New("server: hub stopped")
)

// origin tags updates the hub applies on behalf of something other than a
// client.
type origin string

const (
	originBus   origin = "bus"
	originStore origin = "store"
)

// HubConfig configures a Hub. Bus and Store are optional.
type HubConfig struct {
	Bus           bus.Bus
	Store         store.SnapshotStore
	StoreTimeout  time.Duration
	GracePeriod   time.Duration
	SweepInterval time.Duration
	Logger        *log.Logger
	Now           func() time.Time
}

// Hub owns the room registry. Every client message, registration, bus
// message and query runs on the goroutine executing Run, one at a time, so a
// room's updates are relayed in the order they were applied.
type Hub struct {
	node     string
	cfg      HubConfig
	logger   *log.Logger
	registry *Registry
	clients  map[*Client]struct{}
	grace    atomic.Int64
	started  atomic.Bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	queries    chan func()
	restored   chan restored
	outbox     chan bus.Message
	done       chan struct{}

	saves   sync.WaitGroup
	saveMu  sync.Mutex
	saveSeq uint64
	unsaved map[string]pendingSave
}

type restored struct {
	room  *Room
	state []byte
}

type pendingSave struct {
	seq   uint64
	state []byte
}

// NewHub returns a hub that does nothing until Run is called.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		node:       uuid.NewString(),
		cfg:        cfg,
		logger:     cfg.Logger.WithPrefix("hub"),
		registry:   NewRegistry(nil),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		queries:    make(chan func()),
		restored:   make(chan restored),
		outbox:     make(chan bus.Message, outboxSize),
		done:       make(chan struct{}),
		unsaved:    make(map[string]pendingSave),
	}
	h.grace.Store(int64(cfg.GracePeriod))
	return h
}

// Node identifies this hub on the bus.
func (h *Hub) Node() string {
	return h.node
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// SetGracePeriod changes how long an empty room is kept before eviction.
// Zero evicts as soon as the last member leaves.
func (h *Hub) SetGracePeriod(d time.Duration) {
	h.grace.Store(int64(d))
}

func (h *Hub) gracePeriod() time.Duration {
	return time.Duration(h.grace.Load())
}

// Register adds c to the hub. It reports false if the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c as if its connection dropped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands a frame received from c to the hub.
func (h *Hub) Dispatch(c *Client, env protocol.Envelope) {
	select {
	case h.inbound <- inbound{client: c, env: env}:
	case <-h.done:
	}
}

// Query runs fn against the registry on the hub goroutine.
func (h *Hub) Query(ctx context.Context, fn func(*Registry)) error {
	return h.exec(ctx, func() { fn(h.registry) })
}

// Rooms returns the stats of every room.
func (h *Hub) Rooms(ctx context.Context) ([]RoomStats, error) {
	var stats []RoomStats
	err := h.Query(ctx, func(r *Registry) { stats = r.Stats() })
	return stats, err
}

// Room returns the stats of one room.
func (h *Hub) Room(ctx context.Context, id string) (stats RoomStats, ok bool, err error) {
	err = h.Query(ctx, func(r *Registry) {
		var room *Room
		if room, ok = r.Get(id); ok {
			stats = room.Stats()
		}
	})
	return stats, ok, err
}

// Text returns the materialized text field of a room. ok is false when
// either the room or the field does not exist.
func (h *Hub) Text(ctx context.Context, id, field string) (text string, ok bool, err error) {
	err = h.Query(ctx, func(r *Registry) {
		room, found := r.Get(id)
		if found && room.Doc.HasText(field) {
			text, ok = room.Doc.GetText(field).String(), true
		}
	})
	return text, ok, err
}

// Connections returns the number of registered clients.
func (h *Hub) Connections(ctx context.Context) (int, error) {
	var n int
	err := h.exec(ctx, func() { n = len(h.clients) })
	return n, err
}

func (h *Hub) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	q := func() {
		fn()
		close(done)
	}
	select {
	case h.queries <- q:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
	<-done
	return nil
}

// Run processes hub traffic until ctx is cancelled. On return every client
// has been released and every room has been saved to the store.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrHubRunning
	}
	defer close(h.done)

	var remote <-chan bus.Message
	if h.cfg.Bus != nil {
		sub, err := h.cfg.Bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to bus: %w", err)
		}
		remote = sub
		published := make(chan struct{})
		go h.publishLoop(ctx, published)
		defer func() { <-published }()
	}

	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	h.logger.Info("hub started", "node", h.node)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("client registered", "client", c.ID, "clients", len(h.clients))
		case c := <-h.unregister:
			h.drop(c)
		case in := <-h.inbound:
			h.handle(ctx, in.client, in.env)
		case msg, ok := <-remote:
			if !ok {
				remote = nil
				continue
			}
			h.handleRemote(msg)
		case r := <-h.restored:
			h.restore(r)
		case q := <-h.queries:
			q()
		case <-sweep.C:
			h.sweep()
		}
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, env protocol.Envelope) {
	if _, ok := h.clients[c]; !ok {
		h.logger.Debug("message from unregistered client", "client", c.ID, "event", env.Event)
		return
	}
	switch env.Event {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoom
		if h.payload(c, env, &p) {
			h.join(ctx, c, p)
		}
	case protocol.EventLeaveRoom:
		var roomID string
		if h.payload(c, env, &roomID) && roomID == c.room {
			h.leave(c, roomID)
		}
	case protocol.EventSyncUpdate:
		var p protocol.SyncUpdate
		if h.payload(c, env, &p) {
			h.syncUpdate(c, p)
		}
	case protocol.EventCursorUpdate:
		var p protocol.CursorUpdate
		if h.payload(c, env, &p) {
			h.cursorUpdate(c, p)
		}
	case protocol.EventSelectionUpdate:
		var p protocol.SelectionUpdate
		if h.payload(c, env, &p) {
			h.selectionUpdate(c, p)
		}
	case protocol.EventPing:
		h.send(c, protocol.EventPong, nil)
	default:
		h.logger.Warn("unknown event", "client", c.ID, "event", env.Event)
	}
}

func (h *Hub) payload(c *Client, env protocol.Envelope, v any) bool {
	if err := env.Payload(v); err != nil {
		h.logger.Warn("dropping malformed message", "client", c.ID, "error", err)
		return false
	}
	return true
}

func (h *Hub) join(ctx context.Context, c *Client, p protocol.JoinRoom) {
	if p.RoomID == "" {
		h.logger.Warn("join without room id", "client", c.ID)
		return
	}
	if c.room != "" && c.room != p.RoomID {
		h.leave(c, c.room)
	}
	rejoined := c.room == p.RoomID
	room, created := h.registry.Join(p.RoomID, c, p.User, h.cfg.Now())
	c.room = p.RoomID
	if created {
		h.logger.Info("room created", "room", room.ID)
		h.restoreRoom(ctx, room)
	}
	h.logger.Info("client joined room", "room", room.ID, "user", p.User.UserID, "members", room.Len())

	h.send(c, protocol.EventSyncInitial, protocol.Bytes(room.Doc.EncodeStateAsUpdate()))
	h.send(c, protocol.EventUsersList, room.Users(c))
	if _, ok := h.clients[c]; !ok {
		return
	}
	if !rejoined {
		h.broadcast(room, c, protocol.EventUserJoined, p.User.Identity())
	}
}

func (h *Hub) leave(c *Client, roomID string) {
	room, user, ok := h.registry.Leave(roomID, c, h.cfg.Now())
	if !ok {
		return
	}
	c.room = ""
	h.logger.Info("client left room", "room", roomID, "user", user.UserID, "members", room.Len())
	if room.Len() > 0 {
		h.broadcast(room, nil, protocol.EventUserLeft, protocol.UserLeft{UserID: user.UserID, UserName: user.UserName})
		return
	}
	if h.gracePeriod() == 0 {
		h.evict(roomID)
	}
}

func (h *Hub) syncUpdate(c *Client, p protocol.SyncUpdate) {
	room, ok := h.registry.Get(p.RoomID)
	if !ok {
		h.logger.Warn("update for unknown room", "client", c.ID, "room", p.RoomID)
		return
	}
	if err := room.Doc.ApplyUpdate(p.Update, c); err != nil {
		h.logger.Warn("dropping invalid update", "client", c.ID, "room", p.RoomID, "error", err)
		return
	}
	h.broadcast(room, c, protocol.EventSyncUpdate, p.Update)
	h.publish(bus.Message{Room: room.ID, Kind: bus.KindUpdate, Update: p.Update})
}

func (h *Hub) cursorUpdate(c *Client, p protocol.CursorUpdate) {
	room, m := h.membership(c, p.RoomID)
	if m == nil {
		return
	}
	pos := p.Position
	m.user.Cursor = &pos
	h.broadcast(room, c, protocol.EventCursorUpdate, protocol.PeerCursor{
		UserID:   m.user.UserID,
		UserName: m.user.UserName,
		Color:    m.user.Color,
		Position: pos,
	})
}

func (h *Hub) selectionUpdate(c *Client, p protocol.SelectionUpdate) {
	room, m := h.membership(c, p.RoomID)
	if m == nil {
		return
	}
	sel := p.Selection
	m.user.Selection = &sel
	h.broadcast(room, c, protocol.EventSelectionUpdate, protocol.PeerSelection{
		UserID:    m.user.UserID,
		UserName:  m.user.UserName,
		Color:     m.user.Color,
		Selection: sel,
	})
}

// membership returns c's member record in roomID, or nil if c has not joined
// that room.
func (h *Hub) membership(c *Client, roomID string) (*Room, *member) {
	if c.room != roomID {
		h.logger.Debug("presence for a room the client is not in", "client", c.ID, "room", roomID)
		return nil, nil
	}
	room, ok := h.registry.Get(roomID)
	if !ok {
		return nil, nil
	}
	return room, room.member(c)
}

func (h *Hub) handleRemote(msg bus.Message) {
	if msg.Node == h.node {
		return
	}
	room, ok := h.registry.Get(msg.Room)
	if !ok {
		return
	}
	switch msg.Kind {
	case bus.KindUpdate:
		integrated, err := h.apply(room, msg.Update, originBus)
		if err != nil {
			h.logger.Warn("dropping invalid update from bus", "room", msg.Room, "node", msg.Node, "error", err)
			return
		}
		if integrated != nil {
			h.broadcast(room, nil, protocol.EventSyncUpdate, protocol.Bytes(integrated))
		}
	case bus.KindStateRequest:
		h.publish(bus.Message{Room: room.ID, Kind: bus.KindUpdate, Update: room.Doc.EncodeStateAsUpdate()})
	}
}

// apply merges update into the room and returns the part that was new.
func (h *Hub) apply(room *Room, update []byte, from origin) ([]byte, error) {
	var integrated []byte
	off := room.Doc.OnUpdate(func(u []byte, o any) {
		if o == from {
			integrated = u
		}
	})
	defer off()
	if err := room.Doc.ApplyUpdate(update, from); err != nil {
		return nil, err
	}
	return integrated, nil
}

// restoreRoom seeds a new room with the state of its previous incarnation:
// a save still in flight is applied at once, otherwise the store is read in
// the background. Other instances are asked for their copy of the room.
func (h *Hub) restoreRoom(ctx context.Context, room *Room) {
	h.publish(bus.Message{Room: room.ID, Kind: bus.KindStateRequest})

	h.saveMu.Lock()
	p, inFlight := h.unsaved[room.ID]
	h.saveMu.Unlock()
	if inFlight {
		if _, err := h.apply(room, p.state, originStore); err != nil {
			h.logger.Error("restoring unsaved snapshot", "room", room.ID, "error", err)
		}
		return
	}
	if h.cfg.Store == nil {
		return
	}
	go func() {
		lctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
		defer cancel()
		state, err := h.cfg.Store.Load(lctx, room.ID)
		if err != nil {
			h.logger.Error("loading snapshot", "room", room.ID, "error", err)
			return
		}
		if state == nil {
			return
		}
		select {
		case h.restored <- restored{room: room, state: state}:
		case <-h.done:
		}
	}()
}

func (h *Hub) restore(r restored) {
	// The room may have been evicted while the snapshot loaded.
	if current, ok := h.registry.Get(r.room.ID); !ok || current != r.room {
		return
	}
	integrated, err := h.apply(r.room, r.state, originStore)
	if err != nil {
		h.logger.Error("applying stored snapshot", "room", r.room.ID, "error", err)
		return
	}
	h.logger.Info("room restored from store", "room", r.room.ID, "bytes", len(r.state))
	if integrated != nil {
		h.broadcast(r.room, nil, protocol.EventSyncUpdate, protocol.Bytes(integrated))
	}
}

func (h *Hub) evict(roomID string) {
	room, ok := h.registry.Evict(roomID)
	if !ok {
		return
	}
	h.logger.Info("room evicted", "room", roomID)
	h.save(room)
}

func (h *Hub) sweep() {
	for _, room := range h.registry.Sweep(h.gracePeriod(), h.cfg.Now()) {
		h.logger.Info("room evicted", "room", room.ID, "idle", h.cfg.Now().Sub(room.emptySince))
		h.save(room)
	}
}

func (h *Hub) save(room *Room) {
	if h.cfg.Store == nil {
		return
	}
	state := room.Doc.EncodeStateAsUpdate()

	h.saveMu.Lock()
	h.saveSeq++
	seq := h.saveSeq
	h.unsaved[room.ID] = pendingSave{seq: seq, state: state}
	h.saveMu.Unlock()

	h.saves.Add(1)
	go func() {
		defer h.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
		defer cancel()
		if err := h.cfg.Store.Save(ctx, room.ID, state); err != nil {
			h.logger.Error("saving snapshot", "room", room.ID, "error", err)
		}
		h.saveMu.Lock()
		if h.unsaved[room.ID].seq == seq {
			delete(h.unsaved, room.ID)
		}
		h.saveMu.Unlock()
	}()
}

// send queues a frame for c. A client that cannot keep up is dropped.
func (h *Hub) send(c *Client, event string, data any) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("encoding frame", "event", event, "error", err)
		return
	}
	if !h.enqueue(c, frame) {
		h.slow(c)
	}
}

// broadcast queues one frame for every member of room except except.
func (h *Hub) broadcast(room *Room, except *Client, event string, data any) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("encoding frame", "event", event, "error", err)
		return
	}
	var slow []*Client
	for _, m := range slices.Clone(room.members) {
		if m.client == except {
			continue
		}
		if !h.enqueue(m.client, frame) {
			slow = append(slow, m.client)
		}
	}
	for _, c := range slow {
		h.slow(c)
	}
}

func (h *Hub) enqueue(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (h *Hub) slow(c *Client) {
	h.logger.Warn("dropping slow client", "client", c.ID, "room", c.room)
	h.drop(c)
}

// drop releases c: it leaves its room and its send channel is closed.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if c.room != "" {
		h.leave(c, c.room)
	}
	close(c.send)
	h.logger.Debug("client unregistered", "client", c.ID, "clients", len(h.clients))
}

func (h *Hub) publish(msg bus.Message) {
	if h.cfg.Bus == nil {
		return
	}
	msg.Node = h.node
	select {
	case h.outbox <- msg:
	default:
		h.logger.Warn("bus outbox full, dropping message", "room", msg.Room, "kind", msg.Kind)
	}
}

func (h *Hub) publishLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbox:
			if err := h.cfg.Bus.Publish(ctx, msg); err != nil {
				h.logger.Warn("publishing to bus", "room", msg.Room, "kind", msg.Kind, "error", err)
			}
		}
	}
}

func (h *Hub) shutdown() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	for _, id := range h.registry.IDs() {
		room, _ := h.registry.Get(id)
		h.save(room)
	}
	h.saves.Wait()
	h.logger.Info("hub stopped", "rooms", h.registry.Len())
}
