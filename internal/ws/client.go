// Package ws carries live collaboration traffic over WebSocket connections.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/Rrens/collab-sessions/internal/collab"
	"github.com/Rrens/collab-sessions/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 64
)

// Client adapts one websocket connection to collab.Conn. Outbound frames go
// through a buffered channel drained by writePump.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

func newClient(conn *websocket.Conn, cfg config.CollabConfig) *Client {
	c := &Client{
		conn:           conn,
		done:           make(chan struct{}),
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		pingPeriod:     cfg.PingPeriod,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if c.writeWait <= 0 {
		c.writeWait = defaultWriteWait
	}
	if c.pongWait <= 0 {
		c.pongWait = defaultPongWait
	}
	if c.pingPeriod <= 0 || c.pingPeriod >= c.pongWait {
		c.pingPeriod = c.pongWait * 9 / 10
	}
	if c.maxMessageSize <= 0 {
		c.maxMessageSize = defaultMaxMessageSize
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	c.send = make(chan []byte, buffer)
	return c
}

// Send queues payload without blocking
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return collab.ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return collab.ErrConnClosed
	default:
		return collab.ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait),
			)
			return
		}
	}
}

// readPump feeds inbound frames to the registry until the socket fails, then
// detaches the client. It runs on the handler goroutine.
func (c *Client) readPump(registry *collab.Registry, sessionKey, participantID string) {
	defer func() {
		registry.Disconnect(c)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				log.Debug().Err(err).
					Str("session_id", sessionKey).
					Str("participant_id", participantID).
					Msg("websocket read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		if err := registry.HandleMessage(sessionKey, participantID, c, data); err != nil {
			log.Debug().Err(err).
				Str("session_id", sessionKey).
				Str("participant_id", participantID).
				Msg("dropping malformed message")
		}
	}
}
