package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/catalog"
	"github.com/shaunagostinho/washkiosk/internal/flow"
	"github.com/shaunagostinho/washkiosk/internal/gate"
	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/plc"
)

// Orders is the order side of the kiosk.
type Orders interface {
	Submit(ctx context.Context, order flow.Order) (string, error)
	State() flow.State
	Subscribe() (<-chan flow.State, func())
	Cancel() bool
	Acknowledge() error
	Admission(ctx context.Context) (gate.Result, error)
}

// Status serves the latest controller snapshot.
type Status interface {
	Latest() (plc.RegisterSnapshot, bool)
	Subscribe() (<-chan plc.RegisterSnapshot, func())
}

// Controls are the operator register commands.
type Controls interface {
	SendCancel(ctx context.Context) error
	SendPause(ctx context.Context) error
	SendResume(ctx context.Context) error
	SendReset(ctx context.Context) error
}

// Journal is the runtime switch of the CSV journal.
type Journal interface {
	SetEnabled(on bool)
	IsEnabled() bool
}

// Drills switch payment failures on and off for operator drills.
type Drills interface {
	SetDecline(on bool)
	SetFailRefunds(on bool)
}

// Option configures optional parts of the Server.
type Option func(*Server)

// WithJournal serves /api/journal for switching the journal.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithDrills serves /api/drill for the demo payment provider.
func WithDrills(d Drills) Option {
	return func(s *Server) { s.drills = d }
}

// Server exposes the kiosk API and broadcasts state to WebSocket clients.
type Server struct {
	cfg      *Config
	orders   Orders
	status   Status
	controls Controls
	programs flow.ProgramCatalog
	journal  Journal
	drills   Drills
	webFS    fs.FS
	log      *zap.Logger

	// orders outlive the HTTP request that placed them
	runCtx context.Context

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State    *flow.State       `json:"state,omitempty"`
	Status   *StatusFrame      `json:"status,omitempty"`
	Programs []catalog.Program `json:"programs,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// StatusFrame is a controller snapshot with its freshness.
type StatusFrame struct {
	plc.RegisterSnapshot
	Stale bool `json:"stale"`
}

// New creates a new Server.
func New(cfg *Config, orders Orders, status Status, controls Controls, programs flow.ProgramCatalog, webFS fs.FS, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		orders:   orders,
		status:   status,
		controls: controls,
		programs: programs,
		webFS:    webFS,
		log:      log.Named("server"),
		runCtx:   context.Background(),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/programs", s.handlePrograms).Methods(http.MethodGet)
	api.HandleFunc("/admission", s.handleAdmission).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleOrder).Methods(http.MethodPost)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/control/{action}", s.handleControl).Methods(http.MethodPost)
	if s.journal != nil {
		api.HandleFunc("/journal", s.handleJournal).Methods(http.MethodGet, http.MethodPost)
	}
	if s.drills != nil {
		api.HandleFunc("/drill", s.handleDrill).Methods(http.MethodPost)
	}

	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves HTTP and forwards state changes until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	go s.forward(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// forward relays order states and status snapshots to WebSocket clients.
func (s *Server) forward(ctx context.Context) {
	states, stopStates := s.orders.Subscribe()
	defer stopStates()
	snaps, stopSnaps := s.status.Subscribe()
	defer stopSnaps()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.broadcast(Frame{State: &st, Stamp: time.Now().UnixMilli()})
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			s.broadcast(Frame{Status: &StatusFrame{RegisterSnapshot: snap}, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("client connected", zap.Int("clients", n))

	// initial frame: programs, order state and status
	st := s.orders.State()
	snap, stale := s.status.Latest()
	programs, err := s.programs.ListPrograms(r.Context())
	if err != nil {
		s.log.Warn("programs unavailable for new client", zap.Error(err))
	}
	first := Frame{
		State:    &st,
		Status:   &StatusFrame{RegisterSnapshot: snap, Stale: stale},
		Programs: programs,
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			n := len(s.clients)
			s.clientsMu.Unlock()
			s.log.Info("client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, stale := s.status.Latest()
	writeJSON(w, http.StatusOK, StatusFrame{RegisterSnapshot: snap, Stale: stale})
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := s.programs.ListPrograms(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, programs)
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	res, err := s.orders.Admission(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var order flow.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.orders.Submit(s.runCtx, order)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("order accepted", zap.String("order", id), zap.String("program", order.ProgramID))
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": id})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orders.State())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	ctx := r.Context()

	var err error
	switch action {
	case "cancel":
		// stop the order first so it cannot pulse again, then the controller
		cancelled := s.orders.Cancel()
		err = s.controls.SendCancel(ctx)
		s.log.Warn("operator cancel", zap.Bool("order", cancelled), zap.Error(err))
	case "pause":
		err = s.controls.SendPause(ctx)
	case "resume":
		err = s.controls.SendResume(ctx)
	case "reset":
		err = s.controls.SendReset(ctx)
	case "acknowledge":
		if err = s.orders.Acknowledge(); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("control failed", zap.String("action", action), zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.log.Info("control", zap.String("action", action))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.journal.SetEnabled(req.Enabled)
		s.log.Info("journal switched", zap.Bool("enabled", req.Enabled))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.journal.IsEnabled()})
}

// handleDrill sets only the switches present in the body.
func (s *Server) handleDrill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decline     *bool `json:"decline"`
		FailRefunds *bool `json:"failRefunds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Decline != nil {
		s.drills.SetDecline(*req.Decline)
	}
	if req.FailRefunds != nil {
		s.drills.SetFailRefunds(*req.FailRefunds)
	}
	s.log.Warn("payment drill", zap.Boolp("decline", req.Decline), zap.Boolp("failRefunds", req.FailRefunds))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func statusFor(err error) int {
	var unsupported *payment.ErrUnsupportedMethod
	switch {
	case errors.Is(err, flow.ErrBusy), errors.Is(err, flow.ErrNeedsOperator):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &unsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
