package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/janitor-project/janitor-core/internal/bridge"
)

// wsBufferSize is the read/write buffer size for upgraded connections.
const wsBufferSize = 1024

// handleWebSocket upgrades the connection and attaches it to the
// fan-out hub.
//
// GET /api/v1/ws?token=<access_token>
//
// Browsers cannot set headers on WebSocket dials, so the access token
// rides in the query string and is validated exactly like a bearer
// token. After the upgrade the client receives a connected
// acknowledgement, then a snapshot of its groups' relay states, then
// live events as they happen.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeUnauthorized(w, "missing token parameter")
		return
	}

	user, _, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	client := bridge.NewClient(s.hub, conn, user.ID)
	s.hub.Register(client)

	client.Send(bridge.NewConnected())
	s.sendRelaySnapshot(r, client, user.ID)

	go client.WritePump()
	go client.ReadPump()
}

// sendRelaySnapshot queues the current relay state of each of the
// user's toggle groups, so the UI renders correctly before the first
// live event arrives.
func (s *Server) sendRelaySnapshot(r *http.Request, client *bridge.Client, userID string) {
	if s.events == nil {
		return
	}

	groups, err := s.groups.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Warn("websocket snapshot failed", "user_id", userID, "error", err)
		return
	}

	for _, g := range groups {
		if g.RelayDurationMS != 0 {
			continue
		}
		state, err := s.events.LastRelayState(r.Context(), g.ID)
		if err != nil || state == "" {
			continue
		}
		client.Send(bridge.NewRelayStatus(g.MQTTTopic, state))
	}
}
