package websocket

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"classgate/internal/gateway"
	"classgate/internal/identity"
	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

// Handler upgrades authenticated requests and pumps frames between the
// socket and the gateway.
type Handler struct {
	gateway  *gateway.Gateway
	upgrader websocket.Upgrader
	settings Settings
	log      *slog.Logger
}

// NewHandler creates a handler. allowedOrigins empty or containing "*"
// accepts any origin.
func NewHandler(gw *gateway.Gateway, settings Settings, allowedOrigins []string, log *slog.Logger) *Handler {
	return &Handler{
		gateway:  gw,
		settings: settings,
		log:      log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return lo.ContainsBy(allowed, func(o string) bool {
			return strings.EqualFold(o, origin)
		})
	}
}

// CredentialFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter used by browser clients.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return identity.StripBearer(header)
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates before upgrading; a rejected credential gets a
// plain 401 and no session is ever created.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var conn *Connection
	accept := func(id types.Identity) (interfaces.Outbox, error) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		conn = NewConnection(ws, h.settings, h.log.With("user_id", id.SubjectID))
		return conn, nil
	}

	client, err := h.gateway.Connect(r.Context(), CredentialFromRequest(r), accept)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrAuth):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case conn == nil:
			// The upgrader has already replied.
			h.log.Warn("websocket upgrade failed", "error", err)
		default:
			h.log.Error("connection setup failed", "error", err)
			_ = conn.Close()
		}
		return
	}

	h.readLoop(client, conn)
}

// readLoop runs on the request goroutine until the socket fails or closes.
func (h *Handler) readLoop(client *gateway.Client, conn *Connection) {
	log := h.log.With("session_id", client.SessionID(), "user_id", client.Identity().SubjectID)
	defer func() {
		client.Disconnect()
		if pending := conn.Pending(); pending > 0 {
			log.Debug("discarding queued frames", "pending", pending)
		}
		_ = conn.Close()
	}()

	ws := conn.conn
	if h.settings.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.settings.MaxMessageBytes)
	}
	extend := func() error {
		if h.settings.PongWait <= 0 {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(h.settings.PongWait))
	}
	if err := extend(); err != nil {
		log.Warn("set read deadline", "error", err)
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := client.HandleFrame(conn.ctx, data); err != nil {
			if gateway.IsProtocol(err) {
				log.Debug("event rejected", "code", gateway.Code(err), "error", err)
				continue
			}
			log.Error("closing connection", "error", err)
			return
		}
	}
}
