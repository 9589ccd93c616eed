package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/bridge"
	"github.com/janitor-project/janitor-core/internal/device"
	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
	"github.com/janitor-project/janitor-core/internal/infrastructure/logging"
	"github.com/janitor-project/janitor-core/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// AuthTelemetry receives fire-and-forget authentication metrics.
type AuthTelemetry interface {
	WriteAuthEvent(event, login string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Auth      *auth.Service
	Users     auth.UserRepository
	Sessions  auth.SessionRepository
	Groups    group.Repository
	Devices   *device.Service
	DeviceDB  device.Repository
	Relay     *relay.Service
	Events    eventlog.Repository
	Hub       *bridge.Hub
	Telemetry AuthTelemetry // optional
	Version   string
}

// Server is the janitor HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and hands accepted
// WebSocket connections to the fan-out hub. The server is created with
// New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	auth     *auth.Service
	users    auth.UserRepository
	sessions auth.SessionRepository
	groups   group.Repository
	devices  *device.Service
	deviceDB device.Repository
	relay    *relay.Service
	events   eventlog.Repository
	hub      *bridge.Hub
	metrics  AuthTelemetry
	version  string
	server   *http.Server
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("auth service is required")
	}
	if deps.Groups == nil {
		return nil, fmt.Errorf("group repository is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("websocket hub is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		auth:     deps.Auth,
		users:    deps.Users,
		sessions: deps.Sessions,
		groups:   deps.Groups,
		devices:  deps.Devices,
		deviceDB: deps.DeviceDB,
		relay:    deps.Relay,
		events:   deps.Events,
		hub:      deps.Hub,
		metrics:  deps.Telemetry,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The HTTP listener runs in a background goroutine. The server can be
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
