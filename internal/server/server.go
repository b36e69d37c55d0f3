package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/devinvista/Trip-sub003/internal/authz"
	"github.com/devinvista/Trip-sub003/internal/coordinator"
	"github.com/devinvista/Trip-sub003/internal/identity"
	"github.com/devinvista/Trip-sub003/internal/room"
	"github.com/devinvista/Trip-sub003/internal/server/middleware"
	"github.com/devinvista/Trip-sub003/internal/storage"
	"github.com/devinvista/Trip-sub003/pkg/config"
	"github.com/devinvista/Trip-sub003/pkg/state"
	"github.com/devinvista/Trip-sub003/pkg/state/statemanager"
	"github.com/devinvista/Trip-sub003/pkg/transport"
)

var ErrServerShutdown = errors.New("server shutting down")

// Dependencies are the external collaborators of the service. Nil fields
// fall back to in-process defaults.
type Dependencies struct {
	Store    storage.Store
	Identity identity.Provider
	Authz    authz.Checker
}

type App struct {
	logger      *slog.Logger
	registry    state.Registry
	directory   *room.Directory
	coordinator *coordinator.Coordinator
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, deps Dependencies) *App {
	if deps.Store == nil {
		deps.Store = storage.NewMemory()
	}
	if deps.Identity == nil {
		deps.Identity = identity.NewJWTProvider(cfg.Server.Auth.JWTSecret)
	}
	if deps.Authz == nil {
		deps.Authz = authz.AllowAll{}
	}

	registry := statemanager.NewInMemoryManager(logger)
	directory := room.NewDirectory(rootCtx, logger, deps.Store, room.Options{
		DrainPeriod: cfg.Room.DrainPeriod,
		SaveTimeout: cfg.Room.SaveTimeout,
	})
	coord := coordinator.New(logger, registry, directory, deps.Identity, deps.Authz, coordinator.Options{
		MaxConnectionsPerUser: cfg.Server.ConnectionLimit.MaxPerUser,
		LimitMode:             cfg.Server.ConnectionLimit.Mode,
		Fields:                cfg.Room.Fields,
	})

	app := &App{
		logger:      logger,
		registry:    registry,
		directory:   directory,
		coordinator: coord,
		config:      cfg,
		ctx:         rootCtx,
	}

	path := cfg.Server.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+path,
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(logger, registry.ConnectionCount, cfg.Server.MaxConnections),
			middleware.NewCredentialExtractor(logger),
		),
	)
	mux.HandleFunc("GET /healthz", app.healthHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the routes, e.g. for httptest.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr), slog.String("path", a.config.Server.Path))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		a.directory.Close()
		return err
	}
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.coordinator.HandleMessage,
		a.coordinator.HandleClose,
		a.logger,
	)
	if err := a.coordinator.Register(conn, reqMeta.IP, reqMeta.Token); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		wsConn.CloseNow()
		return
	}

	connLogger.Debug("Connection awaiting auth", slog.String("connID", conn.ID().String()), slog.Bool("upgradeToken", reqMeta.Token != ""))
	conn.Run()
	<-conn.Done()
}

type health struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{
		Status:      "ok",
		Rooms:       a.directory.Len(),
		Connections: a.registry.ConnectionCount(),
	})
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.CloseConnections()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.directory.Close()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

// CloseConnections closes every live connection; queued events are flushed first.
func (a *App) CloseConnections() {
	transports := a.registry.AllTransports()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(transports)))
	for _, t := range transports {
		t.Close(ErrServerShutdown)
	}
}
