// Package protocol defines the messages exchanged between collaboration
// clients and the room server. Every websocket frame is a JSON envelope
// naming an event and carrying its payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server events.
const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventSyncUpdate      = "sync-update"
	EventCursorUpdate    = "cursor-update"
	EventSelectionUpdate = "selection-update"
	EventPing            = "ping"
)

// Server to client events. sync-update, cursor-update and selection-update
// are relayed under their client event names.
const (
	EventSyncInitial = "sync-initial"
	EventUsersList   = "users-list"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventPong        = "pong"
)

// Envelope is one websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Position is a cursor location in an editor.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a range between two positions.
type Selection struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// User identifies a participant. Cursor and Selection carry the last known
// presence and are only filled in users-list replies.
type User struct {
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Color     string     `json:"color"`
	Cursor    *Position  `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Identity returns u without presence.
func (u User) Identity() User {
	return User{UserID: u.UserID, UserName: u.UserName, Color: u.Color}
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	User   User   `json:"user"`
}

type SyncUpdate struct {
	RoomID string `json:"roomId"`
	Update Bytes  `json:"update"`
}

type CursorUpdate struct {
	RoomID   string   `json:"roomId"`
	Position Position `json:"position"`
}

type SelectionUpdate struct {
	RoomID    string    `json:"roomId"`
	Selection Selection `json:"selection"`
}

// UserLeft announces a departure.
type UserLeft struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// PeerCursor is a relayed cursor-update carrying the sender's identity.
type PeerCursor struct {
	UserID   string   `json:"userId"`
	UserName string   `json:"userName"`
	Color    string   `json:"color"`
	Position Position `json:"position"`
}

// PeerSelection is a relayed selection-update carrying the sender's identity.
type PeerSelection struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Color     string    `json:"color"`
	Selection Selection `json:"selection"`
}

// ErrMissingEvent is returned by Decode for frames without an event name.
var ErrMissingEvent = errors.New("protocol: missing event name")

// Encode builds a frame for event. A nil data omits the payload.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Payload unmarshals the envelope data into v.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", e.Event, err)
	}
	return nil
}
