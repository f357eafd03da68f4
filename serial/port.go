// Package serial owns the physical serial link to the densitometer and
// turns its byte stream into complete protocol lines.
package serial

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// ErrClosed is returned by WriteLine after Close.
var ErrClosed = errors.New("serial: port closed")

const (
	lineBuffer   = 64
	maxLineBytes = 64 * 1024
)

// Config describes how to open the port.
type Config struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration

	// VID and PID (hex, e.g. "0483") are preferred by AutoDetectPort.
	VID string
	PID string
}

// DefaultConfig returns the settings used by the device's USB CDC port.
func DefaultConfig() Config {
	return Config{
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
		VID:         "0483",
		PID:         "5740",
	}
}

// Port is an open serial connection. A single reader goroutine splits the
// incoming stream into lines and delivers them on Lines.
type Port struct {
	name string
	rwc  io.ReadWriteCloser

	lines  chan string
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	// eofIsTimeout is set for tarm/serial ports, which report an expired
	// read timeout as io.EOF on posix systems.
	eofIsTimeout bool

	writeMu sync.Mutex

	errMu sync.Mutex
	err   error
}

// Open opens the named port 8N1 and starts its reader.
func Open(cfg Config) (*Port, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("serial: no port name")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	sc := &serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.Baud,
		Parity:      serial.ParityNone,
		Size:        8,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.ReadTimeout,
	}
	sp, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	return newPort(cfg.Name, sp, true), nil
}

// NewPort wraps an already open stream, for instance a pipe in tests.
// End of stream stops the reader.
func NewPort(name string, rwc io.ReadWriteCloser) *Port {
	return newPort(name, rwc, false)
}

func newPort(name string, rwc io.ReadWriteCloser, eofIsTimeout bool) *Port {
	p := &Port{
		name:         name,
		rwc:          rwc,
		lines:        make(chan string, lineBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		eofIsTimeout: eofIsTimeout,
	}
	go p.readLoop()
	return p
}

func (p *Port) Name() string { return p.name }

// Lines delivers complete lines with CR/LF removed. The channel is closed
// when the reader stops; Err then reports why.
func (p *Port) Lines() <-chan string { return p.lines }

// Err returns the error that stopped the reader, or nil.
func (p *Port) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *Port) IsOpen() bool { return !p.closed.Load() }

// WriteLine writes line followed by CRLF.
func (p *Port) WriteLine(line string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, line...)
	buf = append(buf, '\r', '\n')
	if _, err := p.rwc.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", p.name, err)
	}
	return nil
}

// Close stops the reader and closes the port. It is safe to call twice.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.quit)
	err := p.rwc.Close()
	<-p.done
	return err
}

func (p *Port) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

func (p *Port) readLoop() {
	defer close(p.done)
	defer close(p.lines)

	r := bufio.NewReader(p.rwc)
	var pending strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		if len(chunk) > 0 {
			pending.Write(chunk)
			if chunk[len(chunk)-1] == '\n' {
				line := strings.TrimRight(pending.String(), "\r\n")
				pending.Reset()
				if !p.deliver(line) {
					return
				}
			} else if pending.Len() > maxLineBytes {
				pending.Reset()
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull), errors.Is(err, io.ErrNoProgress):
			continue
		case errors.Is(err, io.EOF) && p.eofIsTimeout && !p.closed.Load():
			continue
		case errors.Is(err, io.EOF):
			if !p.closed.Load() {
				p.setErr(io.ErrUnexpectedEOF)
			}
			return
		default:
			if !p.closed.Load() {
				p.setErr(fmt.Errorf("read %s: %w", p.name, err))
			}
			return
		}
	}
}

func (p *Port) deliver(line string) bool {
	select {
	case p.lines <- line:
		return true
	case <-p.quit:
		return false
	}
}
