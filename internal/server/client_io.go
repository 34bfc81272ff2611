package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	maxMessageLen = 512 * 1024
)

// writePump continuously sends messages from the send channel to the
// WebSocket. It also sends periodic pings to keep the connection alive
// and detect dead peers behind NATs.
func (c *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit.
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("server: failed to marshal message: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket and handles them. A missed
// pong does not end the session by itself; the read deadline expiring
// surfaces as a read error and tears the connection down.
func (c *session) readPump() {
	defer func() {
		c.server.endSession(c)
		count := c.server.SessionCount()
		c.server.Broadcast(NewSessionStatusMessage(c.id, "disconnected", count))
		log.Printf("server: session %s disconnected (%d remaining)", c.id, count)
	}()

	c.conn.SetReadLimit(maxMessageLen)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))

	// A pong in response to our ping proves the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error: %v", err)
			}
			return
		}

		c.touch()

		// Track device activity for authenticated clients.
		if c.deviceID != "" {
			c.server.mu.RLock()
			tracker := c.server.deviceActivityTracker
			c.server.mu.RUnlock()

			if tracker != nil {
				tracker(c.deviceID)
			}
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("server: failed to parse message: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypePlaybackPosition:
			c.handlePlaybackPosition(data)
		case MessageTypeHeartbeat:
			// Activity already recorded above.
		default:
			log.Printf("server: received message: type=%s", msg.Type)
		}
	}
}

// handlePlaybackPosition relays a position report to every other session.
func (c *session) handlePlaybackPosition(data []byte) {
	var msg struct {
		Payload PlaybackPositionPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("server: invalid playback.position payload: %v", err)
		c.trySend(NewErrorMessage("server.invalid_message", "Invalid playback position payload"))
		return
	}

	c.server.BroadcastExcept(c, Message{
		Type:    MessageTypePlaybackPosition,
		Payload: msg.Payload,
	})
}

// trySend queues a message for this session without blocking.
func (c *session) trySend(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Printf("server: session %s send buffer full, dropping message", c.id)
	}
}
