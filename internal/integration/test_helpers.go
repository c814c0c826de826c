// Package integration exercises the assembled application over real HTTP and
// WebSocket connections.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"classgate/internal/app"
	"classgate/internal/config"
	"classgate/internal/identity"
	"classgate/internal/logger"
	"classgate/pkg/types"
)

const testSecret = "integration-secret-0123456789abcdef"

type stack struct {
	app    *app.Application
	server *httptest.Server
	signer *identity.Signer
}

// newStack starts the full application behind an httptest server with an
// archive in a temp dir.
func newStack(t *testing.T, mutate ...func(*config.Config)) *stack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.Secret = testSecret
	cfg.Archive.Path = filepath.Join(t.TempDir(), "classgate.db")
	for _, m := range mutate {
		m(cfg)
	}

	application, err := app.NewApplication(cfg, logger.Discard())
	require.NoError(t, err)
	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = application.Stop(context.Background())
	})

	signer, err := identity.NewSigner(testSecret, cfg.Auth.Issuer, time.Hour)
	require.NoError(t, err)
	return &stack{app: application, server: server, signer: signer}
}

func (s *stack) token(t *testing.T, id types.Identity) string {
	t.Helper()
	token, err := s.signer.Sign(id)
	require.NoError(t, err)
	return token
}

func (s *stack) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

// client is one browser tab.
type client struct {
	conn      *websocket.Conn
	sessionID string
}

// connect dials /ws as id and consumes the connected acknowledgement.
func (s *stack) connect(t *testing.T, id types.Identity) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(),
		http.Header{"Authorization": []string{"Bearer " + s.token(t, id)}})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{conn: conn}
	ack := c.read(t)
	require.Equal(t, types.EventConnected, ack.Type)
	require.Equal(t, types.PersonalRoom(id.SubjectID), ack.PersonalRoom)
	c.sessionID = ack.SessionID
	return c
}

func (c *client) send(t *testing.T, event types.InboundEvent) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(event))
}

func (c *client) join(t *testing.T, roomID types.RoomID) {
	t.Helper()
	c.send(t, types.InboundEvent{Type: types.EventJoinRoom, RoomID: roomID})
}

func (c *client) read(t *testing.T) types.OutboundEvent {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event types.OutboundEvent
	require.NoError(t, c.conn.ReadJSON(&event))
	return event
}

// expectSilence asserts nothing arrives within d. The connection cannot be
// read from afterwards.
func (c *client) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func (s *stack) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (s *stack) memberCount(roomID types.RoomID) (int, error) {
	resp, err := http.Get(s.server.URL + "/api/rooms/" + string(roomID) + "/members")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Members []json.RawMessage `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return len(body.Members), nil
}

// waitMembers blocks until the room has n members.
func (s *stack) waitMembers(t *testing.T, roomID types.RoomID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count, err := s.memberCount(roomID)
		return err == nil && count == n
	}, 3*time.Second, 10*time.Millisecond, "room %s never reached %d members", roomID, n)
}
