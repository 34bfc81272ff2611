package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/musetap/host/internal/access"
	apperrors "github.com/musetap/host/internal/errors"
)

// createMux builds a fresh HTTP mux with all endpoints. The function is
// pure over the server's handler fields so the port-retry loop can call
// it once per bind attempt without duplicate-registration errors.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket upgrades. Token checked before the upgrade happens.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring. Never gated.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Pairing endpoints. /pair is the credentialless entry point;
	// the decision endpoints restrict themselves to loopback.
	if s.config.Access != nil {
		mux.Handle("/pair", access.NewPairHandler(s.config.Access))
		log.Printf("server: pairing endpoint registered at /pair")
	}
	if s.config.Approvals != nil {
		approvalHandler := access.NewApprovalHandler(s.config.Approvals)
		mux.Handle("/pair/pending", approvalHandler)
		mux.Handle("/pair/decide", approvalHandler)
		log.Printf("server: approval endpoints registered at /pair/pending, /pair/decide")
	}

	// Session listing for the host UI.
	mux.HandleFunc("/api/sessions", s.handleSessions)

	// Collaborator routes supplied by the host application.
	collaborators := map[string]http.Handler{
		"/api/search/":   s.config.Collaborators.Search,
		"/api/playback/": s.config.Collaborators.Playback,
		"/api/addons/":   s.config.Collaborators.Addons,
		"/api/metadata/": s.config.Collaborators.Metadata,
		"/api/library/":  s.config.Collaborators.Library,
	}
	for pattern, handler := range collaborators {
		if handler != nil {
			mux.Handle(pattern, handler)
			log.Printf("server: collaborator registered at %s", pattern)
		}
	}

	return mux
}

// withTokenGate rejects requests without a valid credential before they
// reach business logic. /pair and /health stay open: the first is how
// devices obtain credentials, the second is for monitors.
func (s *Server) withTokenGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUngatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if s.validateToken == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			access.WriteError(w, http.StatusUnauthorized, apperrors.InvalidToken())
			return
		}
		if _, err := s.validateToken(token); err != nil {
			access.WriteError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isUngatedPath(path string) bool {
	if path == "/health" {
		return true
	}
	// The upgrade handler runs its own token check so rejected
	// upgrades carry a code distinct from generic auth failures.
	if path == "/ws" {
		return true
	}
	return path == "/pair" || strings.HasPrefix(path, "/pair/")
}

// handleWebSocket validates the token and upgrades the connection.
// The check happens before the upgrade so a rejected client receives a
// plain 401 with the server.upgrade_auth_failed code, distinguishable
// from generic errors, and no session is ever created for it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var deviceID string

	if s.validateToken != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = extractToken(r)
		}
		if token == "" {
			log.Printf("server: websocket rejected: missing token")
			access.WriteError(w, http.StatusUnauthorized, apperrors.UpgradeAuthFailed())
			return
		}

		var err error
		deviceID, err = s.validateToken(token)
		if err != nil {
			log.Printf("server: websocket rejected: %v", err)
			access.WriteError(w, http.StatusUnauthorized, apperrors.UpgradeAuthFailed())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	sess := s.createSession(conn, deviceID, r.UserAgent())
	count := s.SessionCount()
	log.Printf("server: session %s connected (%d total)", sess.id, count)

	// The first server-sent message reports the assigned session id.
	sess.send <- NewSessionHelloMessage(sess.id)

	go sess.writePump()
	go sess.readPump()

	s.Broadcast(NewSessionStatusMessage(sess.id, "connected", count))
}

// handleSessions returns the live session snapshot.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		access.WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeServerInvalidMessage, "Only GET is allowed"))
		return
	}
	writeJSON(w, struct {
		Sessions []SessionInfo `json:"sessions"`
	}{Sessions: s.Sessions()})
}

// extractToken pulls the credential from an Authorization header or
// the token query parameter. Some WebSocket clients cannot set custom
// headers, so the query parameter is the documented path for upgrades.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) {
			prefix := auth[:len(bearerPrefix)]
			if prefix == bearerPrefix || prefix == "bearer " {
				return auth[len(bearerPrefix):]
			}
		}
	}

	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
