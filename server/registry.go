package server

import (
	"sort"
	"time"

	"promptstudio/collab/crdt"
	"promptstudio/collab/protocol"
)

// Room is one collaboration session: the authoritative document and the
// clients currently joined to it, in join order.
type Room struct {
	ID        string
	Doc       *crdt.Document
	CreatedAt time.Time

	members    []*member
	emptySince time.Time
}

type member struct {
	client *Client
	user   protocol.User
}

// Len returns the number of joined clients.
func (r *Room) Len() int {
	return len(r.members)
}

// Users returns the roster with last known presence, leaving out except.
func (r *Room) Users(except *Client) []protocol.User {
	users := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		if m.client == except {
			continue
		}
		users = append(users, m.user)
	}
	return users
}

func (r *Room) member(c *Client) *member {
	for _, m := range r.members {
		if m.client == c {
			return m
		}
	}
	return nil
}

// Stats reports the room for monitoring.
func (r *Room) Stats() RoomStats {
	return RoomStats{
		RoomID:            r.ID,
		ActiveConnections: len(r.members),
		DocumentSize:      len(r.Doc.EncodeStateAsUpdate()),
		Fields:            r.Doc.TextNames(),
		CreatedAt:         r.CreatedAt,
	}
}

// RoomStats is the monitoring view of a room.
type RoomStats struct {
	RoomID            string    `json:"roomId"`
	ActiveConnections int       `json:"activeConnections"`
	DocumentSize      int       `json:"documentSize"`
	Fields            []string  `json:"fields"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Registry maps room IDs to rooms. It is not safe for concurrent use; the
// Hub goroutine owns it.
type Registry struct {
	rooms  map[string]*Room
	newDoc func() *crdt.Document
}

// NewRegistry returns an empty registry whose rooms use documents built by
// newDoc, or crdt.NewDocument when nil.
func NewRegistry(newDoc func() *crdt.Document) *Registry {
	if newDoc == nil {
		newDoc = func() *crdt.Document { return crdt.NewDocument() }
	}
	return &Registry{rooms: make(map[string]*Room), newDoc: newDoc}
}

// Get returns the room with id.
func (r *Registry) Get(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

// Join adds c to room id, creating the room if it does not exist. Joining
// again replaces the stored user but keeps the join position.
func (r *Registry) Join(id string, c *Client, user protocol.User, now time.Time) (room *Room, created bool) {
	room, ok := r.rooms[id]
	if !ok {
		room = &Room{ID: id, Doc: r.newDoc(), CreatedAt: now}
		r.rooms[id] = room
		created = true
	}
	if m := room.member(c); m != nil {
		m.user = user
		return room, created
	}
	room.members = append(room.members, &member{client: c, user: user})
	room.emptySince = time.Time{}
	return room, created
}

// Leave removes c from room id. It reports the departed user and whether c
// was a member. An emptied room stays registered until evicted.
func (r *Registry) Leave(id string, c *Client, now time.Time) (room *Room, user protocol.User, ok bool) {
	room, found := r.rooms[id]
	if !found {
		return nil, protocol.User{}, false
	}
	for i, m := range room.members {
		if m.client != c {
			continue
		}
		room.members = append(room.members[:i], room.members[i+1:]...)
		if len(room.members) == 0 {
			room.emptySince = now
		}
		return room, m.user, true
	}
	return room, protocol.User{}, false
}

// Evict removes room id if it has no members.
func (r *Registry) Evict(id string) (*Room, bool) {
	room, ok := r.rooms[id]
	if !ok || len(room.members) > 0 {
		return nil, false
	}
	delete(r.rooms, id)
	return room, true
}

// Sweep evicts every room that has been empty for at least grace.
func (r *Registry) Sweep(grace time.Duration, now time.Time) []*Room {
	var evicted []*Room
	for _, id := range r.IDs() {
		room := r.rooms[id]
		if len(room.members) > 0 || now.Sub(room.emptySince) < grace {
			continue
		}
		delete(r.rooms, id)
		evicted = append(evicted, room)
	}
	return evicted
}

// Len returns the number of registered rooms.
func (r *Registry) Len() int {
	return len(r.rooms)
}

// IDs returns the registered room IDs in order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns stats for every room, ordered by room ID.
func (r *Registry) Stats() []RoomStats {
	out := make([]RoomStats, 0, len(r.rooms))
	for _, id := range r.IDs() {
		out = append(out, r.rooms[id].Stats())
	}
	return out
}
