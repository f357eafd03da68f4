package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/bridge"
	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/internal/monitor"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/serial"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

type fakePort struct {
	mu      sync.Mutex
	cfg     serial.Config
	written []string
	lines   chan string
	closed  bool
}

func newFakePort() *fakePort { return &fakePort{lines: make(chan string, 16)} }

func (f *fakePort) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, line)
	return nil
}

func (f *fakePort) Lines() <-chan string { return f.lines }
func (f *fakePort) Err() error           { return nil }

func (f *fakePort) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) open(cfg serial.Config) (session.LineTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return f, nil
}

func (f *fakePort) opened() serial.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakePort) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type fakeHistory struct {
	mu     sync.Mutex
	source string
	n      int
}

func (h *fakeHistory) Recent(_ context.Context, source string, n int) ([]events.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.source, h.n = source, n
	return []events.Message{{Source: source, Type: "density-reading"}}, nil
}

type harness struct {
	srv     *Server
	http    *httptest.Server
	port    *fakePort
	history *fakeHistory
	mon     *monitor.Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{port: newFakePort(), history: &fakeHistory{}, mon: monitor.NewMonitor(log)}
	cfg := config.GetDefaultConfig()
	h.srv = New(Options{
		Log:     log,
		Bus:     events.New(ctx, 64, log),
		Monitor: h.mon,
		History: h.history,
		Serial:  cfg.Serial,
		Probe:   cfg.Probe,
		OpenSerial: h.port.open,
		OpenProbe: func(probe.Config, *logrus.Logger, func(probe.Event)) (*probe.Probe, error) {
			return nil, errors.New("no bridge attached")
		},
		EnumerateProbes: func(c bridge.Config) ([]string, error) {
			return []string{fmt.Sprintf("hid:%04x:%04x", c.VendorID, c.ProductID)}, nil
		},
		CallTimeout: time.Second,
	})
	done := make(chan struct{})
	go func() {
		_ = h.srv.Run(ctx)
		close(done)
	}()
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		cancel()
		<-done
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	code, body := h.do(t, "POST", "/api/serial/connect", SerialConnectRequest{Port: "/dev/ttyACM0", Device: "uvvis"})
	if code != 200 || body["state"] != "connecting" {
		t.Fatalf("connect = %d %v", code, body)
	}
	waitFor(t, "version request", func() bool { return len(h.port.sent()) > 0 })
	if got := h.port.sent()[0]; got != "GS V" {
		t.Fatalf("handshake sent %q", got)
	}
	h.port.lines <- "GS V,Printalyzer Densitometer,1.2.3"
	waitFor(t, "connected", func() bool {
		_, st := h.do(t, "GET", "/api/serial/status", nil)
		return st["state"] == "connected"
	})
}

func TestHealthAndMethods(t *testing.T) {
	h := newHarness(t)
	if code, body := h.do(t, "GET", "/api/health", nil); code != 200 || body["ok"] != true {
		t.Errorf("health = %d %v", code, body)
	}
	if code, _ := h.do(t, "POST", "/api/health", nil); code != 404 {
		t.Errorf("POST health = %d", code)
	}
	if code, _ := h.do(t, "GET", "/api/serial/connect", nil); code != 404 {
		t.Errorf("GET connect = %d", code)
	}
}

func TestSerialConnectAndRequest(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	if c := h.port.opened(); c.Name != "/dev/ttyACM0" || c.Baud != 115200 {
		t.Errorf("opened %+v", c)
	}

	_, st := h.do(t, "GET", "/api/serial/status", nil)
	if st["device"] != "uvvis" {
		t.Errorf("status = %v", st)
	}

	code, _ := h.do(t, "POST", "/api/serial/request", SerialRequest{Request: "sensor-config", SensorGain: 3, SampleTime: 719, SampleCount: 99})
	if code != 200 {
		t.Fatalf("request = %d", code)
	}
	sent := h.port.sent()
	if got := sent[len(sent)-1]; got != "SD S,CFG,3,719,99" {
		t.Errorf("sent %q", got)
	}

	code, _ = h.do(t, "POST", "/api/serial/request", SerialRequest{Request: "set-gain"})
	if code != 400 {
		t.Errorf("set-gain without values = %d", code)
	}
	code, _ = h.do(t, "POST", "/api/serial/request", SerialRequest{Request: "launch"})
	if code != 404 {
		t.Errorf("unknown request = %d", code)
	}
}

func TestSerialCalibrationCache(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.port.lines <- "GC REFL,3DCCCCCD,42C80000,40000000,3F800000"
	waitFor(t, "reflection cached", func() bool {
		_, body := h.do(t, "GET", "/api/serial/calibration", nil)
		refl, _ := body["reflection"].(map[string]interface{})
		return refl != nil && refl["lo_reading"] == 100.0
	})
	_, body := h.do(t, "GET", "/api/serial/calibration", nil)
	slope := body["slope"].(map[string]interface{})
	if slope["b0"] != nil {
		t.Errorf("unset slope = %v", slope)
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, "POST", "/api/serial/request", SerialRequest{Request: "get-gain"})
	if code != 409 {
		t.Errorf("request = %d %v", code, body)
	}
	code, _ = h.do(t, "POST", "/api/serial/connect", SerialConnectRequest{Port: "COM1", Device: "probe"})
	if code != 400 {
		t.Errorf("probe over serial = %d", code)
	}
	if c := h.port.opened(); c.Name != "" {
		t.Errorf("port %q opened for a probe", c.Name)
	}
}

func TestProbeEndpointsWithoutProbe(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/api/probe/measure", "/api/probe/sensor/start", "/api/probe/cancel", "/api/probe/calibration/slope"} {
		if code, _ := h.do(t, "POST", path, nil); code != 409 {
			t.Errorf("%s = %d", path, code)
		}
	}
	if code, _ := h.do(t, "GET", "/api/probe/status", nil); code != 409 {
		t.Errorf("status = %d", code)
	}
	code, body := h.do(t, "POST", "/api/probe/connect", nil)
	if code != 400 || !strings.Contains(body["error"].(string), "no bridge") {
		t.Errorf("connect = %d %v", code, body)
	}
	if code, _ := h.do(t, "POST", "/api/probe/disconnect", nil); code != 200 {
		t.Errorf("disconnect = %d", code)
	}
}

func TestProbeReleasedWhenLoopEnds(t *testing.T) {
	p := &probe.Probe{}
	running := make(chan struct{})
	d := &ProbeDevice{probe: p, cancel: func() {}, done: running}
	if d.current() != p {
		t.Fatal("running probe not returned")
	}

	close(running)
	if d.current() != nil {
		t.Error("probe returned after its loop ended")
	}
	if d.probe != nil || d.done != nil {
		t.Error("ended probe still held")
	}
}

func TestProbeDetect(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, "POST", "/api/probe/detect", nil)
	if code != 200 {
		t.Fatalf("detect = %d %v", code, body)
	}
	devices, _ := body["devices"].([]interface{})
	if len(devices) != 1 || !strings.HasPrefix(devices[0].(string), "hid:") {
		t.Errorf("devices = %v", body["devices"])
	}
}

func TestReadingsWebsocket(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/readings"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "ws client", func() bool { return h.srv.wsReadings.Len() == 1 })

	h.port.lines <- "TM +0.42D"
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "density-reading" || msg.Source != "session" {
		t.Errorf("message = %+v", msg)
	}
	data := msg.Data.(map[string]interface{})
	if data["mode"] != "transmission" || data["density"] != 0.42 {
		t.Errorf("data = %v", data)
	}
}

func TestSessionStreamStartsWithStatus(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// Events from the handshake may still be in flight ahead of the snapshot.
	for i := 0; i < 8; i++ {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "serial-status" {
			continue
		}
		data := msg.Data.(map[string]interface{})
		if msg.Source != "session" || data["state"] != "connected" || data["device"] != "uvvis" {
			t.Errorf("status = %+v", msg)
		}
		return
	}
	t.Fatal("no serial-status snapshot")
}

func TestProbeStreamWithoutProbe(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/probe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "ws client", func() bool { return h.srv.wsProbe.Len() == 1 })
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHistoryAndMetrics(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, "GET", "/api/readings/history?source=probe&n=5", nil)
	if code != 200 || body["source"] != "probe" {
		t.Fatalf("history = %d %v", code, body)
	}
	h.history.mu.Lock()
	n := h.history.n
	h.history.mu.Unlock()
	if n != 5 {
		t.Errorf("n = %d", n)
	}
	if code, _ := h.do(t, "GET", "/api/readings/history?n=zero", nil); code != 400 {
		t.Errorf("bad n = %d", code)
	}

	h.connect(t)
	resp, err := http.Get(h.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "densitometer_connected 1") {
		t.Error("metrics do not show the connection")
	}
}
