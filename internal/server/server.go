// Package server exposes the serial session and the sensor probe over a
// local HTTP API, with websocket streams of their events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/bridge"
	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/internal/monitor"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/serial"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

var (
	errTimeout      = errors.New("device did not respond in time")
	errStopped      = errors.New("device loop stopped")
	errNoProbe      = errors.New("probe not connected")
	errNoHistory    = errors.New("reading history not configured")
	defaultDeadline = 2 * time.Second
)

// HistoryReader returns recent readings, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, source string, n int) ([]events.Message, error)
}

// Options configures a Server. Only Bus is required.
type Options struct {
	Log     *logrus.Logger
	Bus     *events.Bus
	Monitor *monitor.Monitor
	History HistoryReader

	Serial config.SerialConfig
	Probe  config.ProbeConfig

	// OpenSerial, OpenProbe and EnumerateProbes default to the real hardware.
	OpenSerial      func(serial.Config) (session.LineTransport, error)
	OpenProbe       func(probe.Config, *logrus.Logger, func(probe.Event)) (*probe.Probe, error)
	EnumerateProbes func(bridge.Config) ([]string, error)

	CallTimeout time.Duration
	// WebDir, if set, is served at /.
	WebDir string
}

// ProbeDevice is the currently open probe and the goroutine running it.
type ProbeDevice struct {
	mu sync.Mutex

	probe  *probe.Probe
	cancel context.CancelFunc
	done   chan struct{}
}

type Server struct {
	mux  *http.ServeMux
	log  *logrus.Entry
	opts Options

	bus  *events.Bus
	mon  *monitor.Monitor
	sess *session.Session
	dev  *ProbeDevice

	wsSession  *WSHub
	wsProbe    *WSHub
	wsReadings *WSHub
}

func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultDeadline
	}
	if opts.OpenSerial == nil {
		opts.OpenSerial = openSerialPort
	}
	if opts.OpenProbe == nil {
		opts.OpenProbe = probe.Open
	}
	if opts.EnumerateProbes == nil {
		opts.EnumerateProbes = bridge.Enumerate
	}
	s := &Server{
		mux:        http.NewServeMux(),
		log:        opts.Log.WithField("component", "server"),
		opts:       opts,
		bus:        opts.Bus,
		mon:        opts.Monitor,
		dev:        &ProbeDevice{},
		wsSession:  NewWSHub(),
		wsProbe:    NewWSHub(),
		wsReadings: NewWSHub(),
	}
	s.sess = session.New(opts.Log, s.onSessionEvent)

	// API
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/readings/history", s.handleHistory)

	s.mux.HandleFunc("/api/serial/detect", s.handleSerialDetect)
	s.mux.HandleFunc("/api/serial/connect", s.handleSerialConnect)
	s.mux.HandleFunc("/api/serial/disconnect", s.handleSerialDisconnect)
	s.mux.HandleFunc("/api/serial/status", s.handleSerialStatus)
	s.mux.HandleFunc("/api/serial/calibration", s.handleSerialCalibration)
	s.mux.HandleFunc("/api/serial/request", s.handleSerialRequest)

	s.mux.HandleFunc("/api/probe/detect", s.handleProbeDetect)
	s.mux.HandleFunc("/api/probe/connect", s.handleProbeConnect)
	s.mux.HandleFunc("/api/probe/disconnect", s.handleProbeDisconnect)
	s.mux.HandleFunc("/api/probe/status", s.handleProbeStatus)
	s.mux.HandleFunc("/api/probe/sensor/start", s.handleProbeSensorStart)
	s.mux.HandleFunc("/api/probe/sensor/stop", s.handleProbeSensorStop)
	s.mux.HandleFunc("/api/probe/sensor/config", s.handleProbeSensorConfig)
	s.mux.HandleFunc("/api/probe/light", s.handleProbeLight)
	s.mux.HandleFunc("/api/probe/measure", s.handleProbeMeasure)
	s.mux.HandleFunc("/api/probe/calibration/gain", s.handleProbeGainCalibration)
	s.mux.HandleFunc("/api/probe/calibration/slope", s.handleProbeSlope)
	s.mux.HandleFunc("/api/probe/calibration/save", s.handleProbeSave)
	s.mux.HandleFunc("/api/probe/cancel", s.handleProbeCancel)

	if s.mon != nil {
		s.mux.Handle("/metrics", s.mon.Handler())
	}

	// WS
	s.mux.HandleFunc("/ws/session", s.handleWSSession)
	s.mux.HandleFunc("/ws/probe", s.handleWSProbe)
	s.mux.HandleFunc("/ws/readings", s.handleWSReadings)

	if opts.WebDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(opts.WebDir)))
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run drives the serial session and the websocket streams until ctx is
// done. An open probe is closed on return.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range []struct {
		hub    *WSHub
		topics []string
	}{
		{s.wsSession, []string{events.TopicSession}},
		{s.wsProbe, []string{events.TopicProbe}},
		{s.wsReadings, []string{events.TopicReadings}},
	} {
		sub := s.bus.Subscribe(p.topics...)
		wg.Add(1)
		go func(hub *WSHub) {
			defer wg.Done()
			s.pump(ctx, sub, hub)
		}(p.hub)
	}

	err := s.sess.Run(ctx)
	s.closeProbe()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) pump(ctx context.Context, sub *events.Subscription, hub *WSHub) {
	defer sub.Close()
	for {
		m, ok := sub.Next(ctx)
		if !ok {
			return
		}
		hub.Broadcast(WSMessage{Type: m.Type, Source: m.Source, Time: m.Time, Data: m.Data})
	}
}

func (s *Server) onSessionEvent(e session.Event) {
	if s.mon != nil {
		s.mon.ObserveSession(e)
	}
	s.bus.PublishSession(e)
}

func (s *Server) onProbeEvent(e probe.Event) {
	if s.mon != nil {
		s.mon.ObserveProbe(e)
	}
	s.bus.PublishProbe(e)
}

func openSerialPort(cfg serial.Config) (session.LineTransport, error) {
	p, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// postWait runs fn on a device loop via post and waits for its result.
func postWait[T any](post func(func(T)) bool, timeout time.Duration, fn func(T) error) error {
	errc := make(chan error, 1)
	if !post(func(v T) { errc <- fn(v) }) {
		return errStopped
	}
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return errTimeout
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, APIError{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, 200, HealthResponse{OK: true, Timestamp: time.Now()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if s.opts.History == nil {
		s.writeError(w, 404, errNoHistory)
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = events.SourceSession
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, 400, APIError{Error: "invalid n"})
			return
		}
		n = parsed
	}
	msgs, err := s.opts.History.Recent(r.Context(), source, n)
	if err != nil {
		s.writeError(w, 500, err)
		return
	}
	s.writeJSON(w, 200, HistoryResponse{Source: source, Readings: msgs})
}
