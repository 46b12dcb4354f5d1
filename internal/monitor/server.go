// Package monitor serves a live view of the sensor over HTTP and
// websockets.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/vnsensor/internal/command"
	"github.com/shaunagostinho/vnsensor/internal/config"
	"github.com/shaunagostinho/vnsensor/internal/dispatch"
	"github.com/shaunagostinho/vnsensor/internal/measurement"
	"github.com/shaunagostinho/vnsensor/internal/metrics"
	"github.com/shaunagostinho/vnsensor/internal/protocol"
	"github.com/shaunagostinho/vnsensor/internal/sensor"
)

// Server streams decoded measurements to websocket clients.
type Server struct {
	cfg     *config.Config
	sensor  *sensor.Sensor
	metrics *metrics.Metrics
	webFS   fs.FS
	limiter *rate.Limiter
	queue   *dispatch.Queue

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all websocket clients.
type Frame struct {
	Measurement *MeasurementFrame `json:"measurement,omitempty"`
	Stats       *sensor.Stats     `json:"stats,omitempty"`
	Stamp       int64             `json:"stamp"` // Unix ms
}

// MeasurementFrame is one decoded packet.
type MeasurementFrame struct {
	Kind    string             `json:"kind"`
	Message string             `json:"message,omitempty"` // ASCII sentence id
	Header  string             `json:"header,omitempty"`  // binary output header
	Values  map[string]float64 `json:"values"`
}

// New creates a Server. webFS may be nil.
func New(cfg *config.Config, sens *sensor.Sensor, m *metrics.Metrics, webFS fs.FS) *Server {
	hz := cfg.Monitor.BroadcastHz
	if hz <= 0 {
		hz = 20
	}
	return &Server{
		cfg:     cfg,
		sensor:  sens,
		metrics: m,
		webFS:   webFS,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		queue:   dispatch.NewQueue("monitor", 256, dispatch.Drop),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run serves HTTP and broadcasts until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Monitor.ListenAddr,
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[monitor] listening on %s", s.cfg.Monitor.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
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
	s.metrics.SetMonitorClients(n)
	log.Printf("[ws] client connected (%d total)", n)

	// Initial stats so the page has something before the first packet
	st := s.sensor.Stats()
	if data, err := json.Marshal(Frame{Stats: &st, Stamp: time.Now().UnixMilli()}); err == nil {
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
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.metrics.SetMonitorClients(n)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if s.cfg.Path() != "" {
			if err := s.cfg.Save(); err != nil {
				log.Printf("[config] save failed: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.sensor.Stats())
}

type commandRequest struct {
	Command string `json:"command"` // body without "$VN", e.g. "RRG,01"
}

type commandResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleCommand sends one command and returns the sensor's answer.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "bad request", 400)
		return
	}
	body := strings.TrimPrefix(strings.TrimPrefix(req.Command, "$"), "VN")

	h, err := s.sensor.SendCommand(r.Context(), command.New(body), s.sensor.DefaultMode())
	resp := commandResponse{}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	if pkt := h.Response(); pkt != nil {
		resp.Response = pkt.Body()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// broadcastLoop forwards decoded packets at most BroadcastHz times per
// second, and stats once a second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ascii := s.sensor.Subscribe(s.queue, dispatch.MatchPrefix("VN"))
	binary := s.sensor.Subscribe(s.queue, dispatch.MatchAny(protocol.Header{}))
	defer s.sensor.Unsubscribe(ascii)
	defer s.sensor.Unsubscribe(binary)

	statsTicker := time.NewTicker(time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.queue.C():
			if !s.limiter.Allow() {
				continue
			}
			if mf := measurementFrame(pkt); mf != nil {
				s.broadcast(Frame{Measurement: mf, Stamp: time.Now().UnixMilli()})
			}
		case <-statsTicker.C:
			st := s.sensor.Stats()
			s.broadcast(Frame{Stats: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func measurementFrame(pkt *protocol.Packet) *MeasurementFrame {
	fields, err := measurement.Decode(pkt)
	if err != nil {
		return nil
	}
	mf := &MeasurementFrame{Kind: pkt.Kind.String(), Values: make(map[string]float64)}
	if pkt.Kind == protocol.KindASCII {
		mf.Message = pkt.MessageID
	} else {
		mf.Header = pkt.Header.String()
	}
	for _, f := range fields {
		cols := f.Columns()
		for i, v := range f.Values {
			mf.Values[cols[i]] = v.Float64()
		}
	}
	return mf
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
			// Client too slow, skip
		}
	}
}

// ClientCount is the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
