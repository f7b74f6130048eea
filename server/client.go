package server

import (
	"github.com/google/uuid"

	"promptstudio/collab/protocol"
)

// Client is a connection as the hub sees it. The hub owns every field after
// registration and closes send when it lets the client go.
type Client struct {
	ID   string
	send chan []byte

	room string
}

// NewClient returns a client with a send buffer of size buffer.
func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{ID: uuid.NewString(), send: make(chan []byte, buffer)}
}

// Send returns the frames queued for the connection. It is closed when the
// hub drops the client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

type inbound struct {
	client *Client
	env    protocol.Envelope
}
