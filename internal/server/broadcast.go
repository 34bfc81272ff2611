package server

import (
	"log"
)

// outbound pairs a message with an optional excluded session.
type outbound struct {
	msg    Message
	except *session
}

// Broadcast sends a message to all connected sessions.
// This method is non-blocking; messages are queued for delivery.
// If the server has been stopped, this method does nothing.
func (s *Server) Broadcast(msg Message) {
	s.enqueue(outbound{msg: msg})
}

// BroadcastExcept sends a message to every session except the sender.
// Used for cross-device playback sync so a device never receives its
// own position report back.
func (s *Server) BroadcastExcept(except *session, msg Message) {
	s.enqueue(outbound{msg: msg, except: except})
}

func (s *Server) enqueue(out outbound) {
	// Hold RLock while checking stopped AND sending to avoid racing
	// with Stop(), which takes the write lock, sets stopped=true, then
	// closes the channel.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	// Non-blocking: if the broadcast channel is full we drop rather
	// than stall the caller.
	select {
	case s.broadcast <- out:
	default:
		log.Printf("server: broadcast channel full, dropping message")
	}
}

// runBroadcaster reads from the broadcast channel and fans out to
// sessions. Delivery is best-effort: a slow session gets the message
// dropped rather than blocking everyone else.
func (s *Server) runBroadcaster() {
	for out := range s.broadcast {
		s.mu.RLock()
		for sess := range s.sessions {
			if sess == out.except {
				continue
			}
			select {
			case <-sess.done:
				// Session is shutting down - skip
			case sess.send <- out.msg:
			default:
				log.Printf("server: session %s send buffer full, dropping message", sess.id)
			}
		}
		s.mu.RUnlock()
	}
}
