package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/discovery"
	"shelly-go-home/internal/gateway"
	"shelly-go-home/internal/history"
)

// DefaultBroadcastInterval is the snapshot period while subscribers are connected.
const DefaultBroadcastInterval = time.Second

// HistoryReader lists executed commands for a device.
type HistoryReader interface {
	List(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// Prober checks the local discovery dongle.
type Prober interface {
	Test(ctx context.Context) discovery.Report
	Scan(ctx context.Context) ([]discovery.Descriptor, error)
	SetDonglePath(path string)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(runner ScriptRunner, store ScriptStore) ServerOption {
	return func(s *Server) {
		s.runner = runner
		s.scripts = store
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithHistory enables the command history endpoint.
func WithHistory(h HistoryReader) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// WithDiscovery enables the discovery endpoints.
func WithDiscovery(p Prober) ServerOption {
	return func(s *Server) {
		s.discovery = p
	}
}

// WithBroadcastInterval overrides the periodic snapshot interval.
func WithBroadcastInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.broadcastInterval = d
		}
	}
}

// WithConnectionStatus reports broker connectivity in /api/health.
func WithConnectionStatus(fn func() bool) ServerOption {
	return func(s *Server) {
		s.connected = fn
	}
}

// Server is the HTTP and WebSocket front end of the gateway.
type Server struct {
	gw      *gateway.Gateway
	logger  *slog.Logger
	handler http.Handler
	wsHub   *WSHub

	apiKey            string
	allowedOrigins    []string
	version           string
	broadcastInterval time.Duration
	connected         func() bool

	scripts   ScriptStore
	runner    ScriptRunner
	history   HistoryReader
	discovery Prober

	wg     sync.WaitGroup
	detach []func()
}

// NewServer creates a web server and starts its WebSocket hub.
func NewServer(gw *gateway.Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		gw:                gw,
		logger:            logger.With("component", "web"),
		broadcastInterval: DefaultBroadcastInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(gw.Snapshot, s.broadcastInterval, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.detach = append(s.detach, gw.Events().Subscribe(s.forward,
		gateway.EventDeviceAdded, gateway.EventDeviceUpdate, gateway.EventDeviceRemoved))

	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		mux.HandleFunc(rt.pattern, rt.handler)
	}
	s.handler = s.withCORS(s.withAPIKey(mux))
	return s
}

// forward pushes gateway events to WebSocket subscribers.
func (s *Server) forward(ev gateway.Event) {
	if ev.Type == gateway.EventDeviceRemoved {
		s.wsHub.Broadcast(wsDeviceMessage{Type: msgDeviceRemoved, DeviceID: ev.DeviceID})
		return
	}
	switch data := ev.Data.(type) {
	case gateway.DeviceUpdate:
		s.wsHub.Notify(data.Record)
	case device.Record:
		s.wsHub.Notify(data)
	}
}

// Stop detaches from the gateway, shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	for _, fn := range s.detach {
		fn()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

type route struct {
	pattern string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{"GET /api/devices", s.handleAPIListDevices},
		{"POST /api/devices", s.handleAPICreateDevice},
		{"GET /api/devices/{id}", s.handleAPIGetDevice},
		{"PATCH /api/devices/{id}", s.handleAPIUpdateDevice},
		{"DELETE /api/devices/{id}", s.handleAPIDeleteDevice},
		{"POST /api/devices/{id}/refresh", s.handleAPIRefreshDevice},
		{"POST /api/devices/{id}/{action}", s.handleAPIDeviceAction},
		{"DELETE /api/devices/{id}/queue", s.handleAPIClearQueue},
		{"GET /api/devices/{id}/history", s.handleAPIDeviceHistory},
		{"POST /api/bulk/{operation}", s.handleAPIBulk},

		{"GET /api/settings/command-delay", s.handleAPIGetCommandDelay},
		{"PUT /api/settings/command-delay", s.handleAPISetCommandDelay},

		{"GET /api/discovery/test", s.handleAPIDiscoveryTest},
		{"GET /api/discovery/scan", s.handleAPIDiscoveryScan},
		{"PUT /api/discovery/dongle-path", s.handleAPISetDonglePath},

		{"GET /api/health", s.handleAPIHealth},
		{"GET /api/version", s.handleAPIVersion},

		{"GET /api/automations", s.handleAPIListAutomations},
		{"POST /api/automations", s.handleAPICreateAutomation},
		{"GET /api/automations/{id}", s.handleAPIGetAutomation},
		{"PATCH /api/automations/{id}", s.handleAPIUpdateAutomation},
		{"DELETE /api/automations/{id}", s.handleAPIDeleteAutomation},
		{"POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation},
		{"POST /api/automations/{id}/run", s.handleAPIRunAutomation},

		{"GET /ws", s.handleWS},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// withCORS answers preflights and rejects mutating requests from origins
// outside the allow list. Requests without an Origin header pass.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			h.Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKey guards /api/. Browsers cannot set headers on a WebSocket
// upgrade, so /ws stays open.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	want := []byte(s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON body of at most 1 MB into v. An empty body leaves
// v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
