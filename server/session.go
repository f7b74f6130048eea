package server

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"promptstudio/collab/protocol"
)

// SessionConfig bounds one websocket connection.
type SessionConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// session pumps frames between one websocket and the hub.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	client *Client
	cfg    SessionConfig
	logger *log.Logger
}

func (s *session) readPump() {
	defer func() {
		s.hub.Unregister(s.client)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("connection closed unexpectedly", "client", s.client.ID, "error", err)
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "client", s.client.ID, "error", err)
			continue
		}
		s.hub.Dispatch(s.client, env)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.client.Send():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed", "client", s.client.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
