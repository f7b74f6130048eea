// Package agent is the participant side of a collaboration session. A Client
// keeps a local document replica in sync with one room on the server and
// tracks who else is in it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"promptstudio/collab/crdt"
	"promptstudio/collab/protocol"
)

// Config configures a Client. Zero fields take the defaults below.
type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// ReadTimeout is how long the connection may stay silent, server pings
	// included, before it is considered lost.
	ReadTimeout time.Duration
	WriteWait   time.Duration
	// MaxUpdateBytes caps the encoded size of each document update sent.
	// Larger updates are split. It must leave room under the server's
	// message limit for the JSON framing, which can quadruple the size.
	MaxUpdateBytes int
	Dialer         *websocket.Dialer
	Logger      *log.Logger
	// Document is the replica to synchronize. A new one is created if nil.
	Document *crdt.Document
}

const (
	DefaultURL               = "ws://localhost:8081/ws"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultMaxUpdateBytes    = 192 << 10

	// maxResends is how many times in a row the client resends the same
	// edits to a room whose snapshot keeps coming back without them.
	maxResends = 3
)

// Handlers receive session events. Nil handlers are skipped. They run on the
// client's read goroutine and must not block.
type Handlers struct {
	OnConnected       func()
	OnDisconnected    func(err error)
	OnError           func(err error)
	OnUsersList       func(users []protocol.User)
	OnUserJoined      func(user protocol.User)
	OnUserLeft        func(user protocol.UserLeft)
	OnCursorUpdate    func(cursor protocol.PeerCursor)
	OnSelectionUpdate func(selection protocol.PeerSelection)
	// OnSyncUpdate runs after a snapshot or a peer's update has been applied
	// to the local document.
	OnSyncUpdate func(update []byte)
}

// Client connects a local document to a room.
type Client struct {
	cfg    Config
	doc    *crdt.Document
	dialer *websocket.Dialer
	logger *log.Logger

	mu        sync.Mutex
	sess      *session
	conn      *websocket.Conn
	connected bool
	roomID    string
	user      protocol.User
	handlers  Handlers
	users     []protocol.User
	// dirty marks local changes that could not be sent.
	dirty bool
	// resent is the room state the last reconcile resent against and
	// resends how many times in a row it came back unchanged.
	resent  crdt.StateVector
	resends int

	writeMu     sync.Mutex
	unsubscribe func()
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a disconnected client.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = max(DefaultReconnectDelayMax, cfg.ReconnectDelay)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.MaxUpdateBytes <= 0 {
		cfg.MaxUpdateBytes = DefaultMaxUpdateBytes
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Document == nil {
		cfg.Document = crdt.NewDocument()
	}
	c := &Client{
		cfg:    cfg,
		doc:    cfg.Document,
		dialer: cfg.Dialer,
		logger: cfg.Logger.WithPrefix("agent"),
		dirty:  len(cfg.Document.StateVector()) > 0,
	}
	c.unsubscribe = c.doc.OnUpdate(func(update []byte, origin any) {
		if origin == c {
			return
		}
		c.sendUpdate(update)
	})
	return c
}

// Document returns the local replica.
func (c *Client) Document() *crdt.Document {
	return c.doc
}

// Text returns a text field of the local replica.
func (c *Client) Text(name string) *crdt.Text {
	return c.doc.GetText(name)
}

// Map returns a map of the local replica.
func (c *Client) Map(name string) *crdt.Map {
	return c.doc.GetMap(name)
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RoomID returns the room of the current or last session.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Users returns the other participants of the room with their last known
// presence.
func (c *Client) Users() []protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.User, len(c.users))
	copy(out, c.users)
	return out
}

// Connect joins roomID as user. It retries with increasing delay and returns
// a *ConnectionError if no attempt succeeds. Once connected, local document
// changes are sent to the room and lost connections are re-established the
// same way until ctx is cancelled or Disconnect is called. An existing
// session is closed first.
func (c *Client) Connect(ctx context.Context, roomID string, user protocol.User, handlers Handlers) error {
	if err := c.Disconnect(); err != nil {
		return err
	}

	c.mu.Lock()
	c.roomID = roomID
	c.user = user
	c.handlers = handlers
	c.users = nil
	c.resent, c.resends = nil, 0
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := c.connect(runCtx)
	if err != nil {
		cancel()
		return err
	}
	s := &session{cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	go c.run(runCtx, s, conn)
	return nil
}

// Disconnect leaves the room and closes the connection. Local edits made
// afterwards are kept and sent on the next Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s, conn, room := c.sess, c.conn, c.roomID
	c.sess = nil
	if s != nil {
		// A reconnect in flight either stored its conn above or sees ctx done.
		s.cancel()
	}
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	if conn != nil {
		_ = c.write(conn, protocol.EventLeaveRoom, room)
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-s.done
	return nil
}

// Close disconnects and stops watching the document. The client cannot be
// used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.unsubscribe()
	return err
}

// UpdateCursor shares the local cursor with the room.
func (c *Client) UpdateCursor(pos protocol.Position) error {
	conn, room, err := c.live()
	if err != nil {
		return err
	}
	return c.write(conn, protocol.EventCursorUpdate, protocol.CursorUpdate{RoomID: room, Position: pos})
}

// UpdateSelection shares the local selection with the room.
func (c *Client) UpdateSelection(sel protocol.Selection) error {
	conn, room, err := c.live()
	if err != nil {
		return err
	}
	return c.write(conn, protocol.EventSelectionUpdate, protocol.SelectionUpdate{RoomID: room, Selection: sel})
}

// Ping asks the server for a pong.
func (c *Client) Ping() error {
	conn, _, err := c.live()
	if err != nil {
		return err
	}
	return c.write(conn, protocol.EventPing, nil)
}

func (c *Client) live() (*websocket.Conn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, "", ErrNotConnected
	}
	return c.conn, c.roomID, nil
}

// run reads from conn and reconnects after losing it until the session ends.
func (c *Client) run(ctx context.Context, s *session, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		close(s.done)
	}()

	for {
		err := c.readLoop(conn)
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.callDisconnected(nil)
			return
		}
		if rejected := rejection(err); rejected != nil {
			c.mu.Lock()
			c.dirty = true
			c.mu.Unlock()
			c.logger.Error("room rejects local edits, not reconnecting", "room", c.RoomID(), "error", err)
			c.callDisconnected(err)
			c.callError(rejected)
			return
		}
		c.logger.Warn("connection lost", "room", c.RoomID(), "error", err)
		c.callDisconnected(err)

		conn, err = c.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("giving up on reconnecting", "error", err)
				c.callError(err)
			}
			return
		}
	}
}

// connect dials and joins, retrying with exponential backoff.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	room, user := c.roomID, c.user
	c.mu.Unlock()

	var (
		conn     *websocket.Conn
		attempts int
	)
	dial := func() error {
		attempts++
		cn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return err
		}
		if err := c.write(cn, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: room, User: user}); err != nil {
			cn.Close()
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("connect failed, retrying", "url", c.cfg.URL, "attempt", attempts, "retryIn", next, "error", err)
	}
	if err := backoff.RetryNotify(dial, c.policy(ctx), notify); err != nil {
		return nil, &ConnectionError{URL: c.cfg.URL, Attempts: attempts, Err: err}
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return nil, &ConnectionError{URL: c.cfg.URL, Attempts: attempts, Err: ctx.Err()}
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL, "room", room, "attempts", attempts)
	if h := c.handlers.OnConnected; h != nil {
		h()
	}
	return conn, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = c.cfg.ReconnectDelayMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ReconnectAttempts-1)), ctx)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := c.handle(env); err != nil {
			return err
		}
	}
}

// rejection returns the error to report when err means the server will not
// take the local edits, so reconnecting would only repeat the failure.
func rejection(err error) error {
	if errors.Is(err, ErrUpdateRejected) {
		return err
	}
	if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		return fmt.Errorf("%w: update exceeds the server's message limit", ErrUpdateRejected)
	}
	return nil
}

func (c *Client) handle(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventSyncInitial:
		var snapshot protocol.Bytes
		if c.payload(env, &snapshot) && c.apply(snapshot) {
			return c.reconcile(snapshot)
		}
	case protocol.EventSyncUpdate:
		var update protocol.Bytes
		if c.payload(env, &update) {
			c.apply(update)
		}
	case protocol.EventUsersList:
		var users []protocol.User
		if !c.payload(env, &users) {
			return nil
		}
		c.mu.Lock()
		c.users = users
		c.mu.Unlock()
		if h := c.handlers.OnUsersList; h != nil {
			h(c.Users())
		}
	case protocol.EventUserJoined:
		var user protocol.User
		if !c.payload(env, &user) {
			return nil
		}
		c.mu.Lock()
		c.users = append(removeUser(c.users, user.UserID), user)
		c.mu.Unlock()
		if h := c.handlers.OnUserJoined; h != nil {
			h(user)
		}
	case protocol.EventUserLeft:
		var left protocol.UserLeft
		if !c.payload(env, &left) {
			return nil
		}
		c.mu.Lock()
		c.users = removeUser(c.users, left.UserID)
		c.mu.Unlock()
		if h := c.handlers.OnUserLeft; h != nil {
			h(left)
		}
	case protocol.EventCursorUpdate:
		var cursor protocol.PeerCursor
		if !c.payload(env, &cursor) {
			return nil
		}
		c.updateUser(cursor.UserID, func(u *protocol.User) { u.Cursor = &cursor.Position })
		if h := c.handlers.OnCursorUpdate; h != nil {
			h(cursor)
		}
	case protocol.EventSelectionUpdate:
		var sel protocol.PeerSelection
		if !c.payload(env, &sel) {
			return nil
		}
		c.updateUser(sel.UserID, func(u *protocol.User) { u.Selection = &sel.Selection })
		if h := c.handlers.OnSelectionUpdate; h != nil {
			h(sel)
		}
	case protocol.EventPong:
		c.logger.Debug("pong")
	default:
		c.logger.Debug("ignoring event", "event", env.Event)
	}
	return nil
}

func (c *Client) payload(env protocol.Envelope, v any) bool {
	if err := env.Payload(v); err != nil {
		c.logger.Warn("dropping malformed message", "error", err)
		return false
	}
	return true
}

// apply merges a server update into the local replica. Updates applied here
// are tagged with the client so they are not sent back.
func (c *Client) apply(update []byte) bool {
	if err := c.doc.ApplyUpdate(update, c); err != nil {
		c.logger.Warn("dropping invalid update", "error", err)
		return false
	}
	if h := c.handlers.OnSyncUpdate; h != nil {
		h(update)
	}
	return true
}

// reconcile sends the server whatever the local replica has that the joined
// room's snapshot lacks, such as edits made while offline. It fails with
// ErrUpdateRejected once the room has come back without them maxResends
// times in a row.
func (c *Client) reconcile(snapshot []byte) error {
	remote := crdt.NewDocument()
	if err := remote.ApplyUpdate(snapshot, nil); err != nil {
		return nil
	}
	sv := remote.StateVector()
	ahead := false
	for client, clock := range c.doc.StateVector() {
		if clock > sv[client] {
			ahead = true
			break
		}
	}
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = false
	if !ahead {
		c.resent, c.resends = nil, 0
	} else if c.resends > 0 && maps.Equal(c.resent, sv) {
		c.resends++
	} else {
		c.resent, c.resends = sv, 1
	}
	resends := c.resends
	c.mu.Unlock()

	if resends > maxResends {
		return fmt.Errorf("%w: room %q came back without them %d times", ErrUpdateRejected, c.RoomID(), maxResends)
	}
	if ahead || dirty {
		c.sendUpdate(c.doc.EncodeStateAsUpdateFrom(sv))
	}
	return nil
}

func (c *Client) sendUpdate(update []byte) {
	c.mu.Lock()
	conn, room, connected := c.conn, c.roomID, c.connected
	if !connected {
		c.dirty = true
	}
	c.mu.Unlock()
	if !connected {
		return
	}
	parts, err := crdt.SplitUpdate(update, c.cfg.MaxUpdateBytes)
	if err != nil {
		c.logger.Error("dropping unsplittable update", "bytes", len(update), "error", err)
		return
	}
	if len(parts) > 1 {
		c.logger.Debug("sending update in parts", "bytes", len(update), "parts", len(parts))
	}
	for _, part := range parts {
		if err := c.write(conn, protocol.EventSyncUpdate, protocol.SyncUpdate{RoomID: room, Update: part}); err != nil {
			c.logger.Warn("sending update failed, will resend after reconnect", "error", err)
			c.mu.Lock()
			c.dirty = true
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) updateUser(id string, fn func(*protocol.User)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.users {
		if c.users[i].UserID == id {
			fn(&c.users[i])
			return
		}
	}
}

func (c *Client) callDisconnected(err error) {
	if h := c.handlers.OnDisconnected; h != nil {
		h(err)
	}
}

func (c *Client) callError(err error) {
	if h := c.handlers.OnError; h != nil {
		h(err)
	}
}

func removeUser(users []protocol.User, id string) []protocol.User {
	out := users[:0:0]
	for _, u := range users {
		if u.UserID != id {
			out = append(out, u)
		}
	}
	return out
}
