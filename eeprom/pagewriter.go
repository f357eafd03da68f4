package eeprom

import (
	"github.com/pkg/errors"
)

// PageWriter writes a buffer one EEPROM page per Step. The caller must let
// WriteSettle elapse between steps; the probe loop does this from a ticker
// so that it never blocks on the memory.
type PageWriter struct {
	bus    Bus
	offset int
	data   []byte
	pos    int
}

// NewPageWriter prepares a write of data at offset.
func NewPageWriter(bus Bus, offset int, data []byte) (*PageWriter, error) {
	if err := checkRange(offset, len(data)); err != nil {
		return nil, err
	}
	return &PageWriter{
		bus:    bus,
		offset: offset,
		data:   append([]byte(nil), data...),
	}, nil
}

// Pending returns the number of page writes left.
func (w *PageWriter) Pending() int {
	n := 0
	for addr := w.offset + w.pos; addr < w.offset+len(w.data); {
		next := (addr/PageSize + 1) * PageSize
		n++
		addr = next
	}
	return n
}

// Done reports whether every byte has been written.
func (w *PageWriter) Done() bool {
	return w.pos >= len(w.data)
}

// Step writes the next page-aligned chunk. It reports done after the last
// chunk has been written.
func (w *PageWriter) Step() (bool, error) {
	if w.Done() {
		return true, nil
	}
	addr := w.offset + w.pos
	n := PageSize - addr%PageSize
	if rest := len(w.data) - w.pos; n > rest {
		n = rest
	}
	msg := make([]byte, 0, n+1)
	msg = append(msg, byte(addr))
	msg = append(msg, w.data[w.pos:w.pos+n]...)
	if err := w.bus.I2CWrite(deviceAddress(addr), msg); err != nil {
		return false, errors.Wrapf(err, "eeprom write 0x%03X", addr)
	}
	w.pos += n
	return w.Done(), nil
}
