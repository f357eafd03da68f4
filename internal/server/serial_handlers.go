package server

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/serial"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

type serialRequestFunc func(*session.Session, SerialRequest) error

// serialRequests maps request names to session calls.
var serialRequests = map[string]serialRequestFunc{
	"system-version":        func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemVersion() },
	"system-build":          func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemBuild() },
	"system-device":         func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemDeviceInfo() },
	"system-rtc":            func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemRtc() },
	"system-uid":            func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemUID() },
	"system-sensors":        func(s *session.Session, _ SerialRequest) error { return s.SendGetSystemInternalSensors() },
	"remote-control":        func(s *session.Session, r SerialRequest) error { return s.SendInvokeSystemRemoteControl(r.Enabled) },
	"get-format":            func(s *session.Session, _ SerialRequest) error { return s.SendGetMeasurementFormat() },
	"set-format":            setFormat,
	"get-gain":              func(s *session.Session, _ SerialRequest) error { return s.SendGetCalGain() },
	"set-gain":              setGain,
	"get-slope":             func(s *session.Session, _ SerialRequest) error { return s.SendGetCalSlope() },
	"set-slope":             setSlope,
	"get-vis-temp":          func(s *session.Session, _ SerialRequest) error { return s.SendGetCalVisTemp() },
	"set-vis-temp":          setTemperature((*session.Session).SendSetCalVisTemp),
	"get-uv-temp":           func(s *session.Session, _ SerialRequest) error { return s.SendGetCalUvTemp() },
	"set-uv-temp":           setTemperature((*session.Session).SendSetCalUvTemp),
	"get-reflection":        func(s *session.Session, _ SerialRequest) error { return s.SendGetCalReflection() },
	"set-reflection":        setTarget((*session.Session).SendSetCalReflection),
	"get-transmission":      func(s *session.Session, _ SerialRequest) error { return s.SendGetCalTransmission() },
	"set-transmission":      setTarget((*session.Session).SendSetCalTransmission),
	"get-uv-transmission":   func(s *session.Session, _ SerialRequest) error { return s.SendGetCalUvTransmission() },
	"set-uv-transmission":   setTarget((*session.Session).SendSetCalUvTransmission),
	"display-screenshot":    func(s *session.Session, _ SerialRequest) error { return s.SendGetDiagDisplayScreenshot() },
	"light-reflection":      func(s *session.Session, r SerialRequest) error { return s.SendSetDiagLightRefl(r.Value) },
	"light-transmission":    func(s *session.Session, r SerialRequest) error { return s.SendSetDiagLightTran(r.Value) },
	"light-uv-transmission": func(s *session.Session, r SerialRequest) error { return s.SendSetDiagLightUvTran(r.Value) },
	"sensor-start":          func(s *session.Session, _ SerialRequest) error { return s.SendInvokeDiagSensorStart() },
	"sensor-stop":           func(s *session.Session, _ SerialRequest) error { return s.SendInvokeDiagSensorStop() },
	"sensor-config":         setSensorConfig,
	"sensor-agc":            func(s *session.Session, r SerialRequest) error { return s.SendSetDiagSensorAgc(r.Enabled) },
	"logging-usb":           func(s *session.Session, _ SerialRequest) error { return s.SendSetDiagLoggingModeUsb() },
	"logging-debug":         func(s *session.Session, _ SerialRequest) error { return s.SendSetDiagLoggingModeDebug() },
}

// SerialRequestNames lists the accepted request names.
func SerialRequestNames() []string {
	names := make([]string, 0, len(serialRequests))
	for n := range serialRequests {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func setFormat(s *session.Session, r SerialRequest) error {
	return s.SendSetMeasurementFormat(session.MeasurementFormat(strings.ToUpper(r.Format)))
}

func setGain(s *session.Session, r SerialRequest) error {
	if len(r.Gain) == 0 {
		return fmt.Errorf("%w: gain values missing", session.ErrInvalidValue)
	}
	return s.SendSetCalGain(calibration.NewGainTable(r.Gain...))
}

func setSlope(s *session.Session, r SerialRequest) error {
	if r.Slope == nil {
		return fmt.Errorf("%w: slope missing", session.ErrInvalidValue)
	}
	return s.SendSetCalSlope(r.Slope.Slope())
}

func setTemperature(send func(*session.Session, calibration.TemperatureCorrection) error) serialRequestFunc {
	return func(s *session.Session, r SerialRequest) error {
		if r.Slope == nil {
			return fmt.Errorf("%w: coefficients missing", session.ErrInvalidValue)
		}
		return send(s, r.Slope.Temperature())
	}
}

func setTarget(send func(*session.Session, calibration.Target) error) serialRequestFunc {
	return func(s *session.Session, r SerialRequest) error {
		if r.Target == nil {
			return fmt.Errorf("%w: target missing", session.ErrInvalidValue)
		}
		return send(s, r.Target.Target())
	}
}

func setSensorConfig(s *session.Session, r SerialRequest) error {
	return s.SendSetDiagSensorConfig(r.SensorGain, r.SampleTime, r.SampleCount)
}

func (s *Server) serialCall(fn func(*session.Session) error) error {
	return postWait(s.sess.Post, s.opts.CallTimeout, fn)
}

func (s *Server) handleSerialDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	port, err := serial.AutoDetectPort(s.opts.Serial.PortConfig())
	if err != nil {
		s.writeError(w, 404, err)
		return
	}
	s.writeJSON(w, 200, DetectResponse{Port: port})
}

func (s *Server) handleSerialConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req SerialConnectRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	kind, err := s.ConnectSerial(req.Port, req.Device)
	switch {
	case errors.Is(err, errTimeout), errors.Is(err, errStopped):
		s.writeError(w, 503, err)
		return
	case err != nil:
		s.writeError(w, 400, err)
		return
	}
	s.writeJSON(w, 200, SerialStatusResponse{State: session.StateConnecting.String(), Device: kind.String()})
}

// ConnectSerial opens port and starts the handshake with a device of the
// named family. An empty port is auto-detected and an empty device falls
// back to the configured one. Any previous connection is dropped first.
func (s *Server) ConnectSerial(port, device string) (calibration.DeviceKind, error) {
	if device == "" {
		device = s.opts.Serial.Device
	}
	kind, err := calibration.ParseDeviceKind(device)
	if err != nil {
		return kind, err
	}
	if kind == calibration.DeviceProbe {
		return kind, fmt.Errorf("%s has no serial protocol, use /api/probe/connect", kind)
	}

	pc := s.opts.Serial.PortConfig()
	if strings.TrimSpace(port) != "" {
		pc.Name = strings.TrimSpace(port)
	}
	if pc.Name == "" {
		detected, err := serial.AutoDetectPort(pc)
		if err != nil {
			return kind, fmt.Errorf("could not auto-detect serial port: %w", err)
		}
		pc.Name = detected
	}

	// Drop any previous connection before the port is reopened.
	if err := s.serialCall(func(ss *session.Session) error { ss.Disconnect(); return nil }); err != nil {
		return kind, err
	}
	t, err := s.opts.OpenSerial(pc)
	if err != nil {
		return kind, err
	}
	var ok bool
	err = s.serialCall(func(ss *session.Session) error {
		ok = ss.Connect(t, kind)
		return nil
	})
	if err != nil || !ok {
		closeTransport(t)
		if err == nil {
			err = fmt.Errorf("connect to %s failed", pc.Name)
		}
		return kind, err
	}
	s.log.WithField("port", pc.Name).WithField("kind", kind).Info("serial connect started")
	return kind, nil
}

func closeTransport(t session.LineTransport) {
	if c, ok := t.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func (s *Server) handleSerialDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := s.serialCall(func(ss *session.Session) error { ss.Disconnect(); return nil }); err != nil {
		s.writeError(w, 503, err)
		return
	}
	s.writeJSON(w, 200, OKResponse{OK: true})
}

func (s *Server) handleSerialStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	resp, err := s.serialStatus()
	if err != nil {
		s.writeError(w, 503, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) serialStatus() (SerialStatusResponse, error) {
	var resp SerialStatusResponse
	err := s.serialCall(func(ss *session.Session) error {
		resp = SerialStatusResponse{
			State:        ss.State().String(),
			Unrecognized: ss.DeviceUnrecognized(),
			Info:         ss.SystemInfo(),
			Format:       ss.MeasurementFormat(),
		}
		if ss.State() != session.StateDisconnected {
			resp.Device = ss.DeviceKind().String()
		}
		return nil
	})
	return resp, err
}

func (s *Server) handleSerialCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	var resp SerialCalibrationResponse
	err := s.serialCall(func(ss *session.Session) error {
		resp = SerialCalibrationResponse{
			Gain:           events.NewGain(ss.GainTable()),
			Slope:          events.NewSlope(ss.Slope()),
			VisTemperature: events.NewTemperature(ss.VisTemperature()),
			UvTemperature:  events.NewTemperature(ss.UvTemperature()),
			Reflection:     events.NewTarget(ss.ReflectionTarget()),
			Transmission:   events.NewTarget(ss.TransmissionTarget()),
			UvTransmission: events.NewTarget(ss.UvTransmissionTarget()),
		}
		return nil
	})
	if err != nil {
		s.writeError(w, 503, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handleSerialRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req SerialRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	fn, ok := serialRequests[req.Request]
	if !ok {
		s.writeJSON(w, 404, APIError{Error: fmt.Sprintf("unknown request %q", req.Request)})
		return
	}
	err := s.serialCall(func(ss *session.Session) error { return fn(ss, req) })
	switch {
	case err == nil:
		s.writeJSON(w, 200, OKResponse{OK: true})
	case errors.Is(err, session.ErrNotConnected):
		s.writeError(w, 409, err)
	case errors.Is(err, errTimeout), errors.Is(err, errStopped):
		s.writeError(w, 503, err)
	default:
		s.writeError(w, 400, err)
	}
}
