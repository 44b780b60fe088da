package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/config"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// changeBuffer is the subscription buffer feeding the WebSocket hub.
const changeBuffer = 256

// Controller is the part of the communication layer facade served over HTTP.
// *moip.Controller implements it.
type Controller interface {
	Snapshot() (moip.Snapshot, error)
	Status() moip.Status
	Subscribe(buffer int) *moip.Subscription
	Resync(ctx context.Context) error
	SerialMessages(kind moip.Kind, index int) []moip.SerialMessage

	Switch(ctx context.Context, tx, rx int) error
	Unassign(ctx context.Context, rx int) error
	Rename(ctx context.Context, kind moip.Kind, index int, name string) error
	SetResolution(ctx context.Context, rx int, value string) error
	SetHDCP(ctx context.Context, rx int, value string) error
	PreviewImage(ctx context.Context, tx int) ([]byte, error)
	VideoTx(ctx context.Context, tx int) (moip.VideoTxStats, error)
	AudioTx(ctx context.Context, tx int) (moip.AudioTxStats, error)
	VideoRx(ctx context.Context, rx int) (moip.VideoRxSettings, error)
	ControllerInfo(ctx context.Context, topic moip.InfoTopic) (json.RawMessage, error)

	CECPowerOn(ctx context.Context, rx int) error
	CECPowerOff(ctx context.Context, rx int) error
	CECVolumeUp(ctx context.Context, rx int) error
	CECVolumeDown(ctx context.Context, rx int) error
	CECMute(ctx context.Context, rx int) error
	SendSerial(ctx context.Context, kind moip.Kind, index int, baud moip.BaudSpec, data []byte) error
	SendIR(ctx context.Context, kind moip.Kind, index int, data []byte) error
	Raw(ctx context.Context, cmd string) ([]string, error)
}

// ConnectionChecker reports broker connectivity for /metrics.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller Controller
	MQTT       ConnectionChecker // optional
	Version    string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware and the WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	ctrl      Controller
	mqtt      ConnectionChecker
	version   string
	startTime time.Time

	server   *http.Server
	listener net.Listener
	hub      *Hub
	requests requestCounters
	sub      *moip.Subscription
	cancel   context.CancelFunc // cancels background goroutines on Close()
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, controller)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		ctrl:      deps.Controller,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger, s.ctrl.Snapshot)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to controller state changes for
// broadcast, and serves the router in a background goroutine. The listener
// is bound before Start returns, so Addr is valid immediately.
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(srvCtx)
	}()

	s.sub = s.ctrl.Subscribe(changeBuffer)
	s.wg.Add(1)
	go s.relayChanges(srvCtx)

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// relayChanges hands every controller state change to the WebSocket hub.
func (s *Server) relayChanges(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.hub.Publish(ch)
		}
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
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
