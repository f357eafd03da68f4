package probe

import (
	"errors"
	"fmt"
)

// PotAddress is the I²C address of the MCP4018 that sets the LED current.
const PotAddress = 0x2F

// MaxBrightness is the largest wiper position of the 7-bit pot.
const MaxBrightness = 127

var ErrInvalidBrightness = errors.New("probe: brightness out of range")

// LightBus is the bridge access the light needs.
type LightBus interface {
	I2CWrite(addr byte, data []byte) error
	GPIOWrite(mask, value byte) error
}

// Light is the measurement LED: a digital pot setting its current and a
// bridge GPIO switching it on.
type Light struct {
	bus        LightBus
	enableMask byte
	brightness uint8
}

func NewLight(bus LightBus, enableMask byte) *Light {
	return &Light{bus: bus, enableMask: enableMask}
}

func (l *Light) Brightness() uint8 { return l.brightness }

// SetBrightness sets the wiper and switches the LED on, or off for 0.
func (l *Light) SetBrightness(v uint8) error {
	if v > MaxBrightness {
		return fmt.Errorf("%w: %d", ErrInvalidBrightness, v)
	}
	if err := l.bus.I2CWrite(PotAddress, []byte{v}); err != nil {
		return fmt.Errorf("set wiper: %w", err)
	}
	var on byte
	if v > 0 {
		on = l.enableMask
	}
	if l.enableMask != 0 {
		if err := l.bus.GPIOWrite(l.enableMask, on); err != nil {
			return fmt.Errorf("led enable: %w", err)
		}
	}
	l.brightness = v
	return nil
}

// Off turns the LED off.
func (l *Light) Off() error {
	return l.SetBrightness(0)
}
