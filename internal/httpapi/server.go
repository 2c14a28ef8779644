// Package httpapi implements the external request surface over
// net/http.ServeMux, with method-pattern route registration, a
// withLogging middleware wrapper, and a writeJSON helper. Error
// bodies are plain text naming the error kind and message rather than
// a JSON object, so operators and the bundled CLI tools can display
// them directly.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pyde1/pyde1-go/internal/bus"
	"github.com/pyde1/pyde1-go/internal/connwatch"
	"github.com/pyde1/pyde1-go/internal/flowseq"
	"github.com/pyde1/pyde1-go/internal/mbd"
	"github.com/pyde1/pyde1-go/internal/profile"
)

// FeatureFlags is the GET /de1/feature_flags payload.
type FeatureFlags struct {
	GHCActive       bool   `json:"ghc_active"`
	RinseControl    bool   `json:"rinse_control"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Scanner begins a BLE scan of the given duration; zero leaves the
// length to the implementation (ble.Adapter uses its configured scan
// time). Findings are not returned here, so the PATCH /scan response
// carries none, and ble.Adapter publishes no scan-result events on the
// bus either.
type Scanner interface {
	BeginScan(ctx context.Context, duration time.Duration) error
}

// Server is the httpapi request surface. It holds no transport state
// of its own beyond the last-seen DE1 StateUpdate, which the Bus does
// not retain for late subscribers.
type Server struct {
	host           string
	port           int
	patchSizeLimit int64

	logger    *slog.Logger
	bus       *bus.Bus
	devices   map[bus.DeviceRole]*mbd.Handle
	sequencer *flowseq.Sequencer
	profiles  *profile.Registry
	scanner   Scanner
	requester flowseq.StateRequester
	flags     FeatureFlags
	logDir    string
	watchers  *connwatch.Registry

	httpServer *http.Server
	hub        *wsHub

	mu        sync.RWMutex
	lastState bus.StateUpdate
	haveState bool
}

// Config parameterises a Server.
type Config struct {
	Host           string
	Port           int
	PatchSizeLimit int64
	LogDir         string
	Flags          FeatureFlags

	// Requester issues DE1 state-change commands for PATCH /de1/state.
	// Nil disables API-initiated state changes entirely.
	Requester flowseq.StateRequester
}

// New builds a Server. devices should hold one entry per role the
// process manages; a nil sequencer, profiles, or scanner disables the
// endpoints that need them (UnsupportedFeature, 418). watchers may be
// nil, in which case GET /connectivity reports an empty status set.
func New(cfg Config, b *bus.Bus, devices map[bus.DeviceRole]*mbd.Handle, sequencer *flowseq.Sequencer, profiles *profile.Registry, scanner Scanner, watchers *connwatch.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PatchSizeLimit <= 0 {
		cfg.PatchSizeLimit = 1 << 20
	}
	return &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		patchSizeLimit: cfg.PatchSizeLimit,
		logDir:         cfg.LogDir,
		flags:          cfg.Flags,
		requester:      cfg.Requester,
		watchers:       watchers,
		logger:         logger,
		bus:            b,
		devices:        devices,
		sequencer:      sequencer,
		profiles:       profiles,
		scanner:        scanner,
		hub:            newWSHub(b, logger),
	}
}

// Start builds the route table and serves until ctx is cancelled or
// Shutdown is called. The caller owns the context and calls Shutdown
// from its own signal handler.
func (s *Server) Start(ctx context.Context) error {
	if s.bus != nil {
		states, unsub := s.bus.Subscribe(bus.KindStateUpdate, 8)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-states:
					if !ok {
						return
					}
					if su, ok := env.Payload.(bus.StateUpdate); ok {
						s.mu.Lock()
						s.lastState = su
						s.haveState = true
						s.mu.Unlock()
					}
				}
			}
		}()
	}

	go s.hub.run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /de1/state", s.handleDE1State)
	mux.HandleFunc("PATCH /de1/state", s.handleDE1StatePatch)
	mux.HandleFunc("GET /de1/feature_flags", s.handleFeatureFlags)
	mux.HandleFunc("GET /de1/availability", s.handleAvailabilityGet)
	mux.HandleFunc("PATCH /de1/availability", s.handleAvailability)
	mux.HandleFunc("PATCH /scan", s.handleScan)
	mux.HandleFunc("GET /de1/control/{mode}", s.handleControlGet)
	mux.HandleFunc("PATCH /de1/control/{mode}", s.handleControlPatch)
	mux.HandleFunc("PUT /de1/profile", s.handleProfilePut)
	mux.HandleFunc("PUT /de1/profile/id", s.handleProfileSelect)
	mux.HandleFunc("GET /logs", s.handleLogsList)
	mux.HandleFunc("GET /log/{id}", s.handleLogGet)
	mux.HandleFunc("GET /connectivity", s.handleConnectivity)
	mux.HandleFunc("GET /ws", s.hub.serve)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("httpapi: starting", "address", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
