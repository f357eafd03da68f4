// Package calibration holds the value types that describe a densitometer's
// calibration state: gain tables, slope and temperature corrections and
// two-point density targets. Every type here is a plain value; mutation
// always produces a new value.
package calibration

import (
	"fmt"
	"strings"
)

// DeviceKind identifies a hardware family. It decides how many gain levels a
// gain table holds and which calibration blocks exist.
type DeviceKind int

const (
	DeviceUnknown DeviceKind = iota
	// DeviceVis is the serial reflection/transmission unit.
	DeviceVis
	// DeviceUvVis is the serial unit with an added UV transmission channel.
	DeviceUvVis
	// DeviceProbe is the sensor reached directly over the USB-HID bridge.
	DeviceProbe
)

// GainLevels returns the number of gain steps of the family.
func (k DeviceKind) GainLevels() int {
	switch k {
	case DeviceVis:
		return 8
	case DeviceUvVis, DeviceProbe:
		return 10
	default:
		return 0
	}
}

// HasUV reports whether the family has UV light source and targets.
func (k DeviceKind) HasUV() bool {
	return k == DeviceUvVis
}

// HasSlopeZ reports whether the slope correction carries the zero-offset
// coefficient.
func (k DeviceKind) HasSlopeZ() bool {
	return k == DeviceVis
}

// HasSlope reports whether the family stores a VIS slope correction.
func (k DeviceKind) HasSlope() bool {
	return k == DeviceVis || k == DeviceProbe
}

// HasTemperature reports whether the family stores temperature corrections.
func (k DeviceKind) HasTemperature() bool {
	return k == DeviceUvVis
}

func (k DeviceKind) String() string {
	switch k {
	case DeviceVis:
		return "vis"
	case DeviceUvVis:
		return "uvvis"
	case DeviceProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// ParseDeviceKind converts a configuration name into a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vis", "baseline":
		return DeviceVis, nil
	case "uvvis", "uv-vis", "uv/vis":
		return DeviceUvVis, nil
	case "probe", "meterprobe", "densistick":
		return DeviceProbe, nil
	}
	return DeviceUnknown, fmt.Errorf("unknown device kind %q", s)
}
