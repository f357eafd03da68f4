package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/dektronics/densitometer-desktop-sub000/protocol"
)

const probeTimeout = 500 * time.Millisecond

// AutoDetectPort returns the first port that answers a system version
// request. USB ports matching cfg.VID/PID are probed first, then any other
// USB port, then the rest.
func AutoDetectPort(cfg Config) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate ports: %w", err)
	}
	candidates := rankPorts(ports, cfg.VID, cfg.PID)
	if len(candidates) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}
	for _, name := range candidates {
		if TestPort(name, cfg) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no densitometer found on %d ports", len(candidates))
}

// TestPort opens name and checks that it answers "GS V" with a version
// response.
func TestPort(name string, cfg Config) bool {
	cfg.Name = name
	p, err := Open(cfg)
	if err != nil {
		return false
	}
	defer func() { _ = p.Close() }()
	return probe(p, probeTimeout)
}

func probe(p *Port, timeout time.Duration) bool {
	req := protocol.New(protocol.KindGet, protocol.CategorySystem, "V")
	if err := p.WriteLine(req.String()); err != nil {
		return false
	}
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-p.Lines():
			if !ok {
				return false
			}
			if protocol.Parse(line).Is(protocol.KindGet, protocol.CategorySystem, "V") {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func rankPorts(ports []*enumerator.PortDetails, vid, pid string) []string {
	var matched, usb, other []string
	for _, p := range ports {
		if p == nil || p.Name == "" {
			continue
		}
		switch {
		case p.IsUSB && vid != "" && strings.EqualFold(p.VID, vid) && (pid == "" || strings.EqualFold(p.PID, pid)):
			matched = append(matched, p.Name)
		case p.IsUSB:
			usb = append(usb, p.Name)
		default:
			other = append(other, p.Name)
		}
	}
	out := append(matched, usb...)
	return append(out, other...)
}
