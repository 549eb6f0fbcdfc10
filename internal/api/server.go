// Package api provides the HTTP API and WebSocket relay for a HomeGrow node.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bitsperity/homegrow-core/internal/discovery"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/config"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StatusSource reports the announcer state. *discovery.Announcer satisfies it.
type StatusSource interface {
	Status() discovery.Status
}

// PeerBrowser runs peer scans. *discovery.Browser satisfies it.
type PeerBrowser interface {
	Browse(ctx context.Context, timeout time.Duration) discovery.BrowseResult
	DefaultTimeout() time.Duration
}

// PeerSink receives the result of every API-triggered scan.
type PeerSink interface {
	PublishPeers(scanID string, res discovery.BrowseResult) error
}

// ConnectionChecker reports a backing service's connectivity. *mqtt.Client
// and *influxdb.Client satisfy it, including as typed nil pointers.
type ConnectionChecker interface {
	IsConnected() bool
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Discovery StatusSource
	Browser   PeerBrowser       // optional: peer route returns 503 without it
	Peers     PeerSink          // optional
	MQTT      ConnectionChecker // optional: nil when MQTT is disabled
	InfluxDB  ConnectionChecker // optional: nil when InfluxDB is disabled
	Version   string
}

// Server is the HTTP API server for a HomeGrow node.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	discovery StatusSource
	browser   PeerBrowser
	peers     PeerSink
	mqtt      ConnectionChecker
	influx    ConnectionChecker
	version   string
	startTime time.Time

	hub *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Discovery == nil {
		return nil, fmt.Errorf("discovery status source is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.With("component", "api"),
		discovery: deps.Discovery,
		browser:   deps.Browser,
		peers:     deps.Peers,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.WS, s.logger)
	s.hub.SetSnapshot(s.channelSnapshot)

	return s, nil
}

// Start binds the listener and serves in a background goroutine. A bind
// failure is returned directly. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.server)

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server. It waits up to 10 seconds for
// in-flight requests, including running peer scans, to complete.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
