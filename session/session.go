// Package session drives a densitometer over its line-oriented serial
// protocol. A Session owns one transport, performs the version handshake,
// sends typed requests and turns every response line into an Event.
//
// All session state is confined to one goroutine: either the caller's, when
// HandleLine and the Send methods are used directly, or the goroutine
// running Run, in which case other goroutines go through Post.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/protocol"
)

var (
	ErrNotConnected = errors.New("session: not connected")
	ErrInvalidValue = errors.New("session: invalid value")
	ErrStopped      = errors.New("session: stopped")
)

// LineTransport is the physical link as seen by the session.
type LineTransport interface {
	WriteLine(line string) error
	Lines() <-chan string
	Err() error
	IsOpen() bool
}

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// SystemInfo collects the answers to the system queries.
type SystemInfo struct {
	ProjectName string
	Version     string

	BuildDate     string
	BuildDescribe string
	BuildChecksum string

	HALVersion  string
	MCUDeviceID string
	MCURevision string
	SysClock    string

	RTC string
	UID string

	MCUVdda string
	MCUTemp string
}

type cache struct {
	info    SystemInfo
	gain    calibration.GainTable
	slope   calibration.SlopeCorrection
	visTemp calibration.TemperatureCorrection
	uvTemp  calibration.TemperatureCorrection
	refl    calibration.Target
	tran    calibration.Target
	uvTran  calibration.Target
	format  string
}

func emptyCache() cache {
	return cache{
		slope:   calibration.NoSlope(),
		visTemp: calibration.NoTemperature(),
		uvTemp:  calibration.NoTemperature(),
		refl:    calibration.NoTarget(),
		tran:    calibration.NoTarget(),
		uvTran:  calibration.NoTarget(),
	}
}

// Session is the protocol state machine for one serial device.
type Session struct {
	log *logrus.Entry
	onEvent func(Event)

	transport    LineTransport
	kind         calibration.DeviceKind
	state        State
	unrecognized bool

	multilinePending bool
	multilineFrame   protocol.Frame
	multilineBuf     []byte

	cache cache

	calls    chan func(*Session)
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a disconnected session. onEvent is called on the session's
// goroutine for every event and may be nil.
func New(log *logrus.Logger, onEvent func(Event)) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Session{
		log:     log.WithField("component", "session"),
		onEvent: onEvent,
		cache:   emptyCache(),
		calls:   make(chan func(*Session), 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) DeviceKind() calibration.DeviceKind { return s.kind }

// DeviceUnrecognized reports whether the last connection attempt failed the
// handshake.
func (s *Session) DeviceUnrecognized() bool { return s.unrecognized }

func (s *Session) IsConnected() bool { return s.state == StateConnected }

// Connect takes ownership of t and starts the handshake. It fails if a
// connection is already open or pending, t is not open, or kind is not a
// serial device family.
func (s *Session) Connect(t LineTransport, kind calibration.DeviceKind) bool {
	if s.state != StateDisconnected {
		s.log.Warn("connect while already connected")
		return false
	}
	if t == nil || !t.IsOpen() {
		s.log.Warn("connect on closed transport")
		return false
	}
	if kind != calibration.DeviceVis && kind != calibration.DeviceUvVis {
		s.log.WithField("kind", kind).Warn("device kind has no serial protocol")
		return false
	}

	s.transport = t
	s.kind = kind
	s.state = StateConnecting
	s.unrecognized = false
	s.resetMultiline()
	s.log.WithField("kind", kind).Info("connecting")

	if err := s.send(protocol.New(protocol.KindGet, protocol.CategorySystem, "V")); err != nil {
		return false
	}
	return true
}

// Disconnect drops the transport and all cached state. It emits
// EventConnectionClosed only if a connection was open or pending.
func (s *Session) Disconnect() {
	wasActive := s.state != StateDisconnected
	s.resetMultiline()
	s.cache = emptyCache()
	s.state = StateDisconnected
	if s.transport != nil {
		if c, ok := s.transport.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.WithError(err).Debug("close transport")
			}
		}
		s.transport = nil
	}
	if wasActive {
		s.log.Info("disconnected")
		s.emit(Event{Type: EventConnectionClosed})
	}
}

// Run services the transport and posted calls until ctx is done or Stop is
// called. The session is disconnected on return. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.Disconnect()
	for {
		var lines <-chan string
		if s.transport != nil {
			lines = s.transport.Lines()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case fn := <-s.calls:
			fn(s)
		case line, ok := <-lines:
			if !ok {
				err := s.transport.Err()
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				s.fault(err)
				continue
			}
			s.HandleLine(line)
		}
	}
}

// Post queues fn to run on the goroutine executing Run. It returns false once
// the session has been stopped or Run has returned.
func (s *Session) Post(fn func(*Session)) bool {
	select {
	case <-s.stop:
		return false
	case <-s.done:
		return false
	default:
	}
	select {
	case s.calls <- fn:
		return true
	case <-s.stop:
		return false
	case <-s.done:
		return false
	}
}

// Stop makes Run return. It may be called from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed after Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) emit(e Event) {
	s.onEvent(e)
}

// fault handles a transport failure: report it and force a disconnect.
func (s *Session) fault(err error) {
	s.log.WithError(err).Error("transport fault")
	s.emit(Event{Type: EventConnectionError, Err: err})
	s.Disconnect()
}

func (s *Session) send(f protocol.Frame) error {
	if s.transport == nil || s.state == StateDisconnected {
		return ErrNotConnected
	}
	line := f.String()
	s.log.WithField("frame", line).Debug("send")
	if err := s.transport.WriteLine(line); err != nil {
		err = fmt.Errorf("send %q: %w", line, err)
		s.fault(err)
		return err
	}
	return nil
}

func (s *Session) resetMultiline() {
	s.multilinePending = false
	s.multilineFrame = protocol.Frame{}
	s.multilineBuf = nil
}

// HandleLine processes one received line with its terminator removed.
func (s *Session) HandleLine(line string) {
	line = strings.TrimRight(line, "\r\n")

	if s.multilinePending {
		if protocol.IsMultilineClose(line) {
			f := s.multilineFrame
			f.Buffer = s.multilineBuf
			s.resetMultiline()
			s.dispatch(f)
			return
		}
		s.multilineBuf = append(s.multilineBuf, line...)
		return
	}

	if strings.TrimSpace(line) == "" {
		return
	}

	switch s.state {
	case StateDisconnected:
		s.log.WithField("line", line).Debug("line while disconnected")
	case StateConnecting:
		s.handleConnecting(line)
	case StateConnected:
		s.handleConnected(line)
	}
}

func (s *Session) handleConnecting(line string) {
	f := protocol.Parse(line)
	switch {
	case f.IsDensity():
		return
	case f.Is(protocol.KindGet, protocol.CategorySystem, "V") && !f.IsNAK():
		s.state = StateConnected
		s.log.WithField("version", strings.Join(f.Args, " ")).Info("connected")
		s.emit(Event{Type: EventConnectionOpened})
		s.handleSystem(f)
	default:
		s.log.WithField("line", line).Warn("unrecognized device")
		s.unrecognized = true
		s.Disconnect()
	}
}

func (s *Session) handleConnected(line string) {
	if level, text, ok := protocol.IsLogLine(line); ok {
		s.emit(Event{Type: EventLogLine, LogLevel: level, Text: text})
		return
	}

	f := protocol.Parse(line)
	if !f.Valid() {
		s.log.WithField("line", line).Warn("malformed line")
		return
	}
	if f.IsNAK() {
		s.log.WithField("frame", f.String()).Warn("command rejected")
		s.emit(Event{Type: EventCommandRejected, Frame: f})
		return
	}
	if f.IsMultilineOpen() {
		s.multilinePending = true
		s.multilineFrame = f
		s.multilineBuf = []byte{}
		return
	}
	if f.IsDensity() {
		s.handleDensity(f)
		return
	}
	s.dispatch(f)
}
