// Package api exposes the HTTP surface around the gateway: health, stats,
// room diagnostics, history and teacher notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"classgate/internal/gateway"
	"classgate/internal/room"
	"classgate/pkg/interfaces"
	"classgate/pkg/types"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// History is the read side of the event archive.
type History interface {
	History(ctx context.Context, roomID types.RoomID, limit int) ([]types.ChatEvent, error)
	HealthCheck(ctx context.Context) error
}

// Deps carries the collaborators the server routes to. History may be nil
// when the archive is disabled.
type Deps struct {
	Gateway        *gateway.Gateway
	Directory      *room.Directory
	Verifier       interfaces.Verifier
	History        History
	WebSocket      http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer holds no business logic. Every
// handler translates a request into one gateway or directory call.
type Server struct {
	deps    Deps
	router  chi.Router
	log     *slog.Logger
	started time.Time
}

func NewServer(deps Deps, log *slog.Logger) *Server {
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		log:     log,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.log))
	r.Use(corsMiddleware(s.deps.AllowedOrigins))

	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)
		r.Route("/api", func(r chi.Router) {
			r.Get("/stats", s.stats)
			r.Get("/rooms", s.rooms)
			r.Get("/sessions", s.sessions)
			r.Get("/rooms/{roomID}/members", s.roomMembers)
			r.Get("/rooms/{roomID}/history", s.roomHistory)
			r.With(s.requireTeacher).Post("/notify", s.notify)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Archive     string         `json:"archive"`
	Connections map[string]int `json:"connections"`
}

type Member struct {
	SessionID   string     `json:"sessionId"`
	SubjectID   string     `json:"subjectId"`
	DisplayName string     `json:"displayName,omitempty"`
	Role        types.Role `json:"role"`
}

type RoomSummary struct {
	RoomID  types.RoomID `json:"roomId"`
	Members int          `json:"members"`
}

type RoomsResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

type SessionSummary struct {
	SessionID   string         `json:"sessionId"`
	SubjectID   string         `json:"subjectId"`
	DisplayName string         `json:"displayName,omitempty"`
	Role        types.Role     `json:"role"`
	OpenedAt    time.Time      `json:"openedAt"`
	Rooms       []types.RoomID `json:"rooms"`
}

type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type MembersResponse struct {
	RoomID  types.RoomID `json:"roomId"`
	Members []Member     `json:"members"`
}

type HistoryResponse struct {
	RoomID   types.RoomID          `json:"roomId"`
	Messages []types.OutboundEvent `json:"messages"`
}

type NotifyRequest struct {
	SubjectID string `json:"subjectId"`
	Body      string `json:"body"`
}

type NotifyResponse struct {
	RoomID     types.RoomID `json:"roomId"`
	Recipients int          `json:"recipients"`
	Delivered  int          `json:"delivered"`
	Dropped    int          `json:"dropped"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: 503 when the archive is unreachable; a disabled
// archive is not a failure.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, archive := "healthy", "disabled"
	if s.deps.History != nil {
		archive = "healthy"
		if err := s.deps.History.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			archive = "error: " + err.Error()
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Archive:     archive,
		Connections: s.deps.Gateway.GetStats(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Gateway.GetStats())
}

// rooms lists every occupied room, personal rooms included.
func (s *Server) rooms(w http.ResponseWriter, r *http.Request) {
	rooms := make([]RoomSummary, 0)
	for _, roomID := range s.deps.Directory.Rooms() {
		rooms = append(rooms, RoomSummary{
			RoomID:  roomID,
			Members: len(s.deps.Directory.MembersOf(roomID)),
		})
	}
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	occupied := s.deps.Directory.Rooms()
	sessions := make([]SessionSummary, 0)
	for _, sess := range s.deps.Gateway.Sessions() {
		id := sess.Identity()
		summary := SessionSummary{
			SessionID:   sess.ID(),
			SubjectID:   id.SubjectID,
			DisplayName: id.DisplayName,
			Role:        id.Role,
			OpenedAt:    sess.OpenedAt().UTC(),
			Rooms:       []types.RoomID{},
		}
		for _, roomID := range occupied {
			if s.deps.Directory.IsMember(roomID, sess.ID()) {
				summary.Rooms = append(summary.Rooms, roomID)
			}
		}
		sessions = append(sessions, summary)
	}
	s.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (s *Server) roomMembers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.roomParam(w, r)
	if !ok {
		return
	}

	members := make([]Member, 0)
	for _, sessionID := range s.deps.Directory.MembersOf(roomID) {
		m := Member{SessionID: sessionID}
		if client, ok := s.deps.Gateway.Client(sessionID); ok {
			id := client.Identity()
			m.SubjectID, m.DisplayName, m.Role = id.SubjectID, id.DisplayName, id.Role
		}
		members = append(members, m)
	}
	s.writeJSON(w, http.StatusOK, MembersResponse{RoomID: roomID, Members: members})
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.sendError(w, ErrHistoryOff.Error(), http.StatusNotFound)
		return
	}
	roomID, ok := s.roomParam(w, r)
	if !ok {
		return
	}

	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxHistoryLimit {
			s.sendError(w, ErrInvalidLimit.Error(), http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.deps.History.History(r.Context(), roomID, limit)
	if err != nil {
		s.log.Error("history query failed", "room_id", roomID, "error", err)
		s.sendError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	messages := make([]types.OutboundEvent, 0, len(events))
	for _, event := range events {
		messages = append(messages, types.ReceiveMessage(event))
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{RoomID: roomID, Messages: messages})
}

// FUNCTIONAL DISCOVERY: POST /api/notify reaches every open tab of the target
// user through their personal room.
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	from, _ := IdentityFromContext(r.Context())

	var req NotifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.sendError(w, ErrInvalidPayload.Error(), http.StatusBadRequest)
		return
	}

	delivery, err := s.deps.Gateway.Notify(r.Context(), from, req.SubjectID, req.Body)
	switch {
	case errors.Is(err, gateway.ErrProtocol):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.sendError(w, "failed to deliver notification", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, NotifyResponse{
		RoomID:     types.PersonalRoom(req.SubjectID),
		Recipients: delivery.Recipients,
		Delivered:  delivery.Delivered,
		Dropped:    delivery.Dropped,
	})
}

func (s *Server) roomParam(w http.ResponseWriter, r *http.Request) (types.RoomID, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "roomID"))
	if err != nil || !types.IsValidRoomID(raw) {
		s.sendError(w, ErrInvalidRoomID.Error(), http.StatusBadRequest)
		return "", false
	}
	return types.RoomID(raw), true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("failed to write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
