// Package app wires classgate's components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"classgate/internal/api"
	"classgate/internal/archive"
	"classgate/internal/config"
	"classgate/internal/gateway"
	"classgate/internal/identity"
	"classgate/internal/metrics"
	"classgate/internal/room"
	"classgate/internal/session"
	"classgate/internal/websocket"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	log        *slog.Logger
	archive    *archive.Archive
	gateway    *gateway.Gateway
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds every component in dependency order:
// Metrics → Archive → Verifier → Registry → Directory → Gateway → Transport → API → HTTP
func NewApplication(cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// STEP 1: Metrics registry shared by every component
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(reg)

	// STEP 2: Event archive (optional)
	var (
		store *archive.Archive
		err   error
	)
	if cfg.Archive.Enabled {
		store, err = archive.Open(archive.Config{
			Path:           cfg.Archive.Path,
			MaxConnections: cfg.Archive.MaxConnections,
			QueueSize:      cfg.Archive.QueueSize,
			WriteTimeout:   cfg.Archive.WriteTimeout,
		}, recorder, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	// STEP 3: Credential verifier
	verifier, err := identity.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		closeArchive(store, log)
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	// STEP 4: Session registry and room directory
	sessions := session.NewRegistry(log)
	rooms := room.NewDirectory(sessions, log)

	// STEP 5: Gateway
	options := []gateway.Option{
		gateway.WithMetrics(recorder),
		gateway.WithRoomPolicy(gateway.NewClassroomAllowlist(cfg.Gateway.Classrooms)),
	}
	if store != nil {
		options = append(options, gateway.WithSink(store))
	}
	gw := gateway.New(verifier, sessions, rooms, gateway.Options{
		RequireMembership:  cfg.Gateway.RequireMembership,
		EchoToSender:       cfg.Gateway.EchoToSender,
		SendLimitPerMinute: cfg.Gateway.SendLimitPerMinute,
		SendBurst:          cfg.Gateway.SendBurst,
	}, log, options...)

	// STEP 6: WebSocket transport
	wsHandler := websocket.NewHandler(gw, websocket.Settings{
		SendBuffer:      cfg.WebSocket.SendBuffer,
		WriteWait:       cfg.WebSocket.WriteWait,
		PongWait:        cfg.WebSocket.PongWait,
		PingInterval:    cfg.WebSocket.PingInterval,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, cfg.HTTP.AllowedOrigins, log)

	// STEP 7: API server, which also mounts /ws and /metrics
	deps := api.Deps{
		Gateway:        gw,
		Directory:      rooms,
		Verifier:       verifier,
		WebSocket:      wsHandler,
		Metrics:        metrics.Handler(reg),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if store != nil {
		deps.History = store
	}
	apiServer := api.NewServer(deps, log)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log,
		archive:    store,
		gateway:    gw,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Gateway exposes the gateway for server-side callers.
func (app *Application) Gateway() *gateway.Gateway {
	return app.gateway
}

// Start binds the listener and serves in the background. It returns once the
// socket is bound, so GetAddr is usable immediately.
func (app *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.log.Info("classgate started", "addr", ln.Addr().String(), "archive", app.archive != nil)
	return nil
}

// Errors reports a fatal serve error. The channel closes when serving stops.
func (app *Application) Errors() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse dependency order: HTTP → Gateway → Archive.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down classgate")

	var errs []error

	// STEP 1: Stop accepting new connections. Hijacked WebSocket connections
	// are not tracked by the server and are closed by the gateway below.
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Disconnect every live session
	app.gateway.Shutdown()

	// STEP 3: Flush and close the archive
	if app.archive != nil {
		if err := app.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive close: %w", err))
		}
	}

	app.log.Info("classgate shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func closeArchive(store *archive.Archive, log *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Error("failed to close archive", "error", err)
	}
}
