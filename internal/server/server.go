// Package server is the live rates monitor: it measures continuously on the
// coincidence circuit and broadcasts averaged rates to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qoptics/coincidence/internal/config"
	"github.com/qoptics/coincidence/internal/delay"
	"github.com/qoptics/coincidence/internal/device"
	"github.com/qoptics/coincidence/internal/record"
)

// Server polls the circuit and broadcasts rate frames.
type Server struct {
	cfg     *config.Config
	circuit *device.CoincidenceCircuit
	cal     *delay.Calibrator
	webFS   fs.FS
	rec     *record.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	lastMu sync.Mutex
	last   *RateFrame
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a new Server. cal and rec may be nil.
func New(cfg *config.Config, circuit *device.CoincidenceCircuit, cal *delay.Calibrator, rec *record.Recorder, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		circuit: circuit,
		cal:     cal,
		webFS:   webFS,
		rec:     rec,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the monitor.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/rates", s.handleRates)
	return mux
}

// Run applies the configured delays, then serves HTTP and polls the circuit
// until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.applySteps(); err != nil {
		return err
	}

	go s.pollLoop(ctx)

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

	log.Printf("[server] listening on %s", s.cfg.Monitor.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) applySteps() error {
	names := make([]string, 0, len(s.cfg.Monitor.Steps))
	for name := range s.cfg.Monitor.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l, err := delay.ParseLine(name)
		if err != nil {
			return err
		}
		if err := s.circuit.SetDelay(s.cfg.Monitor.Steps[name], l); err != nil {
			return err
		}
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

	log.Printf("[ws] client connected (%d total)", n)

	// New clients get the latest frame right away
	s.lastMu.Lock()
	last := s.last
	s.lastMu.Unlock()
	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			client.send <- data
		}
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnects)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
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
		prev, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			if rerr := s.cfg.Restore(prev); rerr != nil {
				log.Printf("[config] rollback failed: %v", rerr)
			}
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// lineFit is one entry of the /api/calibration response.
type lineFit struct {
	delay.Calibration
	Line       string  `json:"line"`
	MinDelayNs float64 `json:"minDelayNs"`
	MaxDelayNs float64 `json:"maxDelayNs"`
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	if s.cal == nil {
		http.Error(w, "no calibration loaded", 404)
		return
	}
	cals, err := s.cal.Calibrations()
	if err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	out := make([]lineFit, 0, len(cals))
	for _, l := range delay.Lines() {
		lo, _ := s.cal.MinimumDelay(l)
		hi, _ := s.cal.MaximumDelay(l)
		out = append(out, lineFit{Calibration: cals[l], Line: l.String(), MinDelayNs: lo, MaxDelayNs: hi})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	s.lastMu.Lock()
	last := s.last
	s.lastMu.Unlock()
	if last == nil {
		http.Error(w, "no measurement yet", 503)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(last)
}

// pollLoop measures back to back and broadcasts a frame after every
// measurement. It is the only user of the circuit while the monitor runs.
func (s *Server) pollLoop(ctx context.Context) {
	secs := s.cfg.Monitor.MeasureSeconds
	win := newRateWindow(s.cfg.Monitor.Window, secs)

	if s.rec != nil && s.cfg.Monitor.Record {
		if err := s.rec.Start("Monitor", []string{"C1", "C2", "CO"}, time.Now()); err != nil {
			log.Printf("[server] recording disabled: %v", err)
		} else {
			defer s.rec.Close()
			if err := s.rec.WriteMetadata(s.recordParams()); err != nil {
				log.Printf("[server] %v", err)
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		c, err := s.circuit.Measure(ctx, secs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[server] measure failed: %v", err)
			if device.Sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}
		// Drop anything the firmware printed after the counts
		if err := s.circuit.ResetInput(); err != nil {
			log.Printf("[server] reset input: %v", err)
		}

		win.add(c)
		frame := win.frame()
		frame.Stamp = time.Now().UnixMilli()

		s.lastMu.Lock()
		s.last = &frame
		s.lastMu.Unlock()
		s.broadcast(frame)

		if s.rec != nil && s.cfg.Monitor.Record {
			if err := s.rec.Record([]float64{float64(c.Counter1), float64(c.Counter2), float64(c.Coincidences)}); err != nil {
				log.Printf("[server] %v", err)
			}
		}
	}
}

// recordParams is the metadata of a monitor recording.
func (s *Server) recordParams() map[string]any {
	params := map[string]any{
		"measure_time": s.cfg.Monitor.MeasureSeconds,
		"window":       s.cfg.Monitor.Window,
	}
	for name, st := range s.cfg.Monitor.Steps {
		params[name+"_steps"] = st
	}
	return params
}

func (s *Server) broadcast(frame RateFrame) {
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
