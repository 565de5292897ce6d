// Package api serves the host-side status and diagnostics surface over
// HTTP: board geometry, live link and joint state, the full pin dump,
// host-writable pin pokes, an e-stop trigger, and a WebSocket stream of
// status snapshots for dashboards.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festlv/LinuxCNC-RIO/pkg/hal"
	"github.com/festlv/LinuxCNC-RIO/pkg/log"
	"github.com/festlv/LinuxCNC-RIO/pkg/metrics"
	"github.com/festlv/LinuxCNC-RIO/pkg/rio"
)

// Component is the slice of the driver the API exposes.
type Component interface {
	Info() rio.Info
	Status() rio.Status
	Registry() *hal.Registry
	EStop()
}

// Config holds server configuration.
type Config struct {
	// Listen address, e.g. ":8080".
	Listen string

	// WSInterval is the status push interval for WebSocket clients.
	WSInterval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Listen:     ":8080",
		WSInterval: 250 * time.Millisecond,
	}
}

// Server is the diagnostics HTTP server for one Component.
type Server struct {
	cfg  Config
	comp Component
	rm   *metrics.RIOMetrics
	log  *log.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*wsClient
	nextID   int64

	running   atomic.Bool
	startTime time.Time
	stopCh    chan struct{}
}

// New creates a server around a component. A nil logger selects the
// package default.
func New(cfg Config, comp Component, logger *log.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	if cfg.WSInterval <= 0 {
		cfg.WSInterval = DefaultConfig().WSInterval
	}
	if logger == nil {
		logger = log.GetLogger("api")
	}
	s := &Server{
		cfg:       cfg,
		comp:      comp,
		rm:        metrics.GlobalMetrics(),
		log:       logger,
		clients:   make(map[int64]*wsClient),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler builds the route table. Exposed so tests can drive the mux
// without a listening socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rio/info", s.handleInfo)
	mux.HandleFunc("/rio/status", s.handleStatus)
	mux.HandleFunc("/rio/pins", s.handlePins)
	mux.HandleFunc("/rio/pins/set", s.handlePinSet)
	mux.HandleFunc("/rio/estop", s.handleEStop)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.log.Info("API server listening on %s", s.cfg.Listen)

	go s.statusBroadcastLoop()

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop closes the listener and every WebSocket client.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// infoResponse wraps the component geometry with server details.
type infoResponse struct {
	rio.Info
	UptimeSec float64 `json:"uptime_sec"`
	Clients   int     `json:"ws_clients"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.clientMu.RLock()
	clients := len(s.clients)
	s.clientMu.RUnlock()

	s.writeJSON(w, infoResponse{
		Info:      s.comp.Info(),
		UptimeSec: time.Since(s.startTime).Seconds(),
		Clients:   clients,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.comp.Status())
}

// pinEntry is one row of the pin dump.
type pinEntry struct {
	Name  string      `json:"name"`
	Dir   string      `json:"dir"`
	Value interface{} `json:"value"`
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	reg := s.comp.Registry()
	pins := make([]pinEntry, 0, reg.Len())
	reg.Each(func(p hal.Pin) {
		pins = append(pins, pinEntry{
			Name:  p.Name(),
			Dir:   p.Dir().String(),
			Value: p.Value(),
		})
	})
	s.writeJSON(w, map[string]interface{}{"pins": pins})
}

// pinSetRequest is the POST body for /rio/pins/set. Value is a JSON
// bool or number; the registry rejects mismatched pin types.
type pinSetRequest struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

func (s *Server) handlePinSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pinSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, fmt.Errorf("bad request body: %w", err))
		return
	}
	if req.Name == "" {
		s.writeJSONError(w, fmt.Errorf("missing pin name"))
		return
	}

	if err := s.comp.Registry().SetValue(req.Name, req.Value); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.log.Debug("pin %s set to %v via API", req.Name, req.Value)
	s.writeJSON(w, map[string]interface{}{"name": req.Name, "value": req.Value})
}

func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.log.Warn("e-stop requested via API from %s", r.RemoteAddr)
	s.comp.EStop()
	s.writeJSON(w, map[string]interface{}{"estop": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, s.rm.Gather())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
	})
}
