package session

import (
	"fmt"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/protocol"
)

// MaxLightValue is the largest diagnostic light level.
const MaxLightValue = 128

// MeasurementFormat selects how density readings are pushed.
type MeasurementFormat string

const (
	FormatBasic    MeasurementFormat = "BASIC"
	FormatExtended MeasurementFormat = "EXT"
)

// Every Send method requires an open or pending connection and returns
// ErrNotConnected otherwise. Requests that do not apply to the connected
// device family are dropped and return nil.

func (s *Session) get(c protocol.Category, action string, args ...string) error {
	return s.send(protocol.New(protocol.KindGet, c, action, args...))
}

func (s *Session) set(c protocol.Category, action string, args ...string) error {
	return s.send(protocol.New(protocol.KindSet, c, action, args...))
}

func (s *Session) invoke(c protocol.Category, action string, args ...string) error {
	return s.send(protocol.New(protocol.KindInvoke, c, action, args...))
}

// applies reports whether the request is supported by the connected family,
// logging the dropped request otherwise. Without a connection it lets the
// request through so send can report ErrNotConnected.
func (s *Session) applies(ok bool, what string) bool {
	if s.state == StateDisconnected {
		return true
	}
	if !ok {
		s.log.WithField("request", what).WithField("kind", s.kind).Debug("request not supported by device")
	}
	return ok
}

func (s *Session) SendGetSystemVersion() error {
	return s.get(protocol.CategorySystem, "V")
}

func (s *Session) SendGetSystemBuild() error {
	return s.get(protocol.CategorySystem, "B")
}

func (s *Session) SendGetSystemDeviceInfo() error {
	return s.get(protocol.CategorySystem, "DEV")
}

func (s *Session) SendGetSystemRtc() error {
	return s.get(protocol.CategorySystem, "RTC")
}

func (s *Session) SendGetSystemUID() error {
	return s.get(protocol.CategorySystem, "UID")
}

func (s *Session) SendGetSystemInternalSensors() error {
	return s.get(protocol.CategorySystem, "ISEN")
}

// SendInvokeSystemRemoteControl enters or leaves remote control mode, in
// which the device ignores its own buttons.
func (s *Session) SendInvokeSystemRemoteControl(enabled bool) error {
	return s.invoke(protocol.CategorySystem, "REMOTE", boolArg(enabled))
}

func (s *Session) SendGetMeasurementFormat() error {
	return s.get(protocol.CategoryMeasurement, "FORMAT")
}

func (s *Session) SendSetMeasurementFormat(format MeasurementFormat) error {
	if format != FormatBasic && format != FormatExtended {
		return fmt.Errorf("measurement format %q: %w", format, ErrInvalidValue)
	}
	return s.set(protocol.CategoryMeasurement, "FORMAT", string(format))
}

func (s *Session) SendGetCalGain() error {
	return s.get(protocol.CategoryCalibration, "GAIN")
}

// SendSetCalGain writes a gain table with one value per gain level of the
// connected family.
func (s *Session) SendSetCalGain(gain calibration.GainTable) error {
	if s.state == StateDisconnected {
		return ErrNotConnected
	}
	if !gain.IsValidFor(s.kind) {
		return fmt.Errorf("gain table %v: %w", gain.Values(), ErrInvalidValue)
	}
	args := make([]string, 0, gain.Len())
	for _, v := range gain.Values() {
		args = append(args, protocol.FloatArg(v))
	}
	return s.set(protocol.CategoryCalibration, "GAIN", args...)
}

func (s *Session) SendGetCalSlope() error {
	if !s.applies(s.kind.HasSlope(), "GC SLOPE") {
		return nil
	}
	return s.get(protocol.CategoryCalibration, "SLOPE")
}

func (s *Session) SendSetCalSlope(slope calibration.SlopeCorrection) error {
	if !s.applies(s.kind.HasSlope(), "SC SLOPE") {
		return nil
	}
	if s.kind.HasSlopeZ() {
		slope.HasZ = true
	}
	if !slope.IsValid() {
		return fmt.Errorf("slope: %w", ErrInvalidValue)
	}
	args := []string{
		protocol.FloatArg(slope.B0),
		protocol.FloatArg(slope.B1),
		protocol.FloatArg(slope.B2),
	}
	if slope.HasZ {
		args = append(args, protocol.FloatArg(slope.Z))
	}
	return s.set(protocol.CategoryCalibration, "SLOPE", args...)
}

func (s *Session) SendGetCalVisTemp() error {
	if !s.applies(s.kind.HasTemperature(), "GC VTEMP") {
		return nil
	}
	return s.get(protocol.CategoryCalibration, "VTEMP")
}

func (s *Session) SendSetCalVisTemp(tc calibration.TemperatureCorrection) error {
	if !s.applies(s.kind.HasTemperature(), "SC VTEMP") {
		return nil
	}
	return s.setTemperature("VTEMP", tc)
}

func (s *Session) SendGetCalUvTemp() error {
	if !s.applies(s.kind.HasTemperature(), "GC UTEMP") {
		return nil
	}
	return s.get(protocol.CategoryCalibration, "UTEMP")
}

func (s *Session) SendSetCalUvTemp(tc calibration.TemperatureCorrection) error {
	if !s.applies(s.kind.HasTemperature(), "SC UTEMP") {
		return nil
	}
	return s.setTemperature("UTEMP", tc)
}

func (s *Session) setTemperature(action string, tc calibration.TemperatureCorrection) error {
	if !tc.IsValid() {
		return fmt.Errorf("%s: %w", action, ErrInvalidValue)
	}
	return s.set(protocol.CategoryCalibration, action,
		protocol.FloatArg(tc.B0), protocol.FloatArg(tc.B1), protocol.FloatArg(tc.B2))
}

func (s *Session) SendGetCalReflection() error {
	return s.get(protocol.CategoryCalibration, "REFL")
}

func (s *Session) SendSetCalReflection(t calibration.Target) error {
	if !t.IsValidReflection() {
		return fmt.Errorf("reflection target: %w", ErrInvalidValue)
	}
	return s.setTarget("REFL", t)
}

func (s *Session) SendGetCalTransmission() error {
	return s.get(protocol.CategoryCalibration, "TRAN")
}

func (s *Session) SendSetCalTransmission(t calibration.Target) error {
	if !t.IsValidTransmission() {
		return fmt.Errorf("transmission target: %w", ErrInvalidValue)
	}
	return s.setTarget("TRAN", t)
}

func (s *Session) SendGetCalUvTransmission() error {
	if !s.applies(s.kind.HasUV(), "GC UVTR") {
		return nil
	}
	return s.get(protocol.CategoryCalibration, "UVTR")
}

func (s *Session) SendSetCalUvTransmission(t calibration.Target) error {
	if !s.applies(s.kind.HasUV(), "SC UVTR") {
		return nil
	}
	if !t.IsValidTransmission() {
		return fmt.Errorf("uv transmission target: %w", ErrInvalidValue)
	}
	return s.setTarget("UVTR", t)
}

func (s *Session) setTarget(action string, t calibration.Target) error {
	return s.set(protocol.CategoryCalibration, action,
		protocol.FloatArg(t.LoDensity), protocol.FloatArg(t.LoReading),
		protocol.FloatArg(t.HiDensity), protocol.FloatArg(t.HiReading))
}

// SendGetDiagDisplayScreenshot requests the display contents, answered as a
// multi-line buffer.
func (s *Session) SendGetDiagDisplayScreenshot() error {
	return s.get(protocol.CategoryDiagnostics, "DISP")
}

func (s *Session) SendSetDiagLightRefl(value int) error {
	return s.set(protocol.CategoryDiagnostics, "LR", protocol.IntArg(clamp(value, 0, MaxLightValue)))
}

func (s *Session) SendSetDiagLightTran(value int) error {
	return s.set(protocol.CategoryDiagnostics, "LT", protocol.IntArg(clamp(value, 0, MaxLightValue)))
}

func (s *Session) SendSetDiagLightUvTran(value int) error {
	if !s.applies(s.kind.HasUV(), "SD LU") {
		return nil
	}
	return s.set(protocol.CategoryDiagnostics, "LU", protocol.IntArg(clamp(value, 0, MaxLightValue)))
}

func (s *Session) SendInvokeDiagSensorStart() error {
	return s.invoke(protocol.CategoryDiagnostics, "S", "START")
}

func (s *Session) SendInvokeDiagSensorStop() error {
	return s.invoke(protocol.CategoryDiagnostics, "S", "STOP")
}

// SendSetDiagSensorConfig sets the gain level and the integration sample
// time and count used by the diagnostic sensor mode.
func (s *Session) SendSetDiagSensorConfig(gain, sampleTime, sampleCount int) error {
	maxGain := s.kind.GainLevels() - 1
	if maxGain < 0 {
		maxGain = 0
	}
	return s.set(protocol.CategoryDiagnostics, "S", "CFG",
		protocol.IntArg(clamp(gain, 0, maxGain)),
		protocol.IntArg(clamp(sampleTime, 0, 0xFFFF)),
		protocol.IntArg(clamp(sampleCount, 0, 0xFFFF)))
}

func (s *Session) SendSetDiagSensorAgc(enabled bool) error {
	return s.set(protocol.CategoryDiagnostics, "S", "AGC", boolArg(enabled))
}

// SendSetDiagLoggingModeUsb forwards firmware log output over the serial
// link as log lines.
func (s *Session) SendSetDiagLoggingModeUsb() error {
	return s.set(protocol.CategoryDiagnostics, "LOG", "U")
}

// SendSetDiagLoggingModeDebug returns firmware log output to the debug port.
func (s *Session) SendSetDiagLoggingModeDebug() error {
	return s.set(protocol.CategoryDiagnostics, "LOG", "D")
}

// Cached values, all returned by value.

func (s *Session) SystemInfo() SystemInfo { return s.cache.info }

func (s *Session) Version() string { return s.cache.info.Version }

func (s *Session) MeasurementFormat() string { return s.cache.format }

func (s *Session) GainTable() calibration.GainTable { return s.cache.gain }

func (s *Session) Slope() calibration.SlopeCorrection { return s.cache.slope }

func (s *Session) VisTemperature() calibration.TemperatureCorrection { return s.cache.visTemp }

func (s *Session) UvTemperature() calibration.TemperatureCorrection { return s.cache.uvTemp }

func (s *Session) ReflectionTarget() calibration.Target { return s.cache.refl }

func (s *Session) TransmissionTarget() calibration.Target { return s.cache.tran }

func (s *Session) UvTransmissionTarget() calibration.Target { return s.cache.uvTran }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
