package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Shadows reads device records. It is satisfied by *shadow.Reconciler.
type Shadows interface {
	Get(deviceID string) (shadow.Shadow, error)
	List() []shadow.Shadow
}

// Commands issues and looks up commands. It is satisfied by *command.Dispatcher.
type Commands interface {
	SetField(ctx context.Context, deviceID string, field shadow.Field, value int) (string, error)
	Get(ctx context.Context, id string) (command.Command, error)
	Pending(deviceID string) []command.Command
}

// CommandLog lists persisted commands. It is satisfied by *command.SQLiteLog.
type CommandLog interface {
	List(ctx context.Context, deviceID string, limit int) ([]command.Command, error)
}

// History lists recorded field changes. It is satisfied by *shadow.SQLiteHistoryRepository.
type History interface {
	List(ctx context.Context, deviceID string, field shadow.Field, limit int) ([]shadow.HistoryEntry, error)
}

// Poller knows the account's devices and can poll one on demand. It is
// satisfied by *poller.Poller.
type Poller interface {
	Devices() []cloud.Device
	PollDevice(ctx context.Context, deviceID string) error
	WaterUsage(ctx context.Context, deviceID string, period cloud.UsagePeriod) ([]json.RawMessage, error)
}

// Sessions drives interactive login. It is satisfied by *session.Manager.
type Sessions interface {
	RequestCode(ctx context.Context, phone string) error
	Authenticate(ctx context.Context, mode session.Mode, phone, secret string) (session.Session, error)
	Current() (session.Session, bool)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Shadows    Shadows
	Commands   Commands
	CommandLog CommandLog   // optional
	History    History      // optional
	Poller     Poller       // optional
	Sessions   Sessions     // optional
	Metrics    http.Handler // optional, served at /metrics
	Hub        *Hub         // optional, created by New when nil
	Version    string
}

// Server is the HTTP API server of the bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	shadows    Shadows
	commands   Commands
	commandLog CommandLog
	history    History
	poller     Poller
	sessions   Sessions
	metrics    http.Handler
	hub        *Hub
	version    string
	startTime  time.Time
	server     *http.Server
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Shadows == nil {
		return nil, fmt.Errorf("shadow reader is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}

	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		shadows:    deps.Shadows,
		commands:   deps.Commands,
		commandLog: deps.CommandLog,
		history:    deps.History,
		poller:     deps.Poller,
		sessions:   deps.Sessions,
		metrics:    deps.Metrics,
		hub:        deps.Hub,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	s.hub.SetReplay(s.shadows.List)
	return s, nil
}

// Hub returns the WebSocket hub, for registering it as a state listener.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router. Start uses it; tests call it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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

// HealthCheck verifies the API server is running.
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
