package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/protocol"
)

func (s *Session) dispatch(f protocol.Frame) {
	switch f.Category {
	case protocol.CategorySystem:
		s.handleSystem(f)
	case protocol.CategoryMeasurement:
		s.handleMeasurement(f)
	case protocol.CategoryCalibration:
		s.handleCalibration(f)
	case protocol.CategoryDiagnostics:
		s.handleDiagnostics(f)
	default:
		s.unhandled(f)
	}
}

func (s *Session) unhandled(f protocol.Frame) {
	s.log.WithField("frame", f.String()).Warn("unhandled response")
}

func (s *Session) handleSystem(f protocol.Frame) {
	info := &s.cache.info
	switch {
	case f.Is(protocol.KindGet, protocol.CategorySystem, "V"):
		info.ProjectName = f.Arg(0)
		info.Version = f.Arg(1)
		s.emit(Event{Type: EventSystemVersion, Frame: f, Args: f.Args, Text: info.Version})
	case f.Is(protocol.KindGet, protocol.CategorySystem, "B"):
		info.BuildDate = f.Arg(0)
		info.BuildDescribe = f.Arg(1)
		info.BuildChecksum = f.Arg(2)
		s.emit(Event{Type: EventSystemBuild, Frame: f, Args: f.Args, Text: info.BuildDescribe})
	case f.Is(protocol.KindGet, protocol.CategorySystem, "DEV"):
		info.HALVersion = f.Arg(0)
		info.MCUDeviceID = f.Arg(1)
		info.MCURevision = f.Arg(2)
		info.SysClock = f.Arg(3)
		s.emit(Event{Type: EventSystemDeviceInfo, Frame: f, Args: f.Args})
	case f.Is(protocol.KindGet, protocol.CategorySystem, "RTC"):
		info.RTC = strings.Join(f.Args, ",")
		s.emit(Event{Type: EventSystemRtc, Frame: f, Args: f.Args, Text: info.RTC})
	case f.Is(protocol.KindGet, protocol.CategorySystem, "UID"):
		info.UID = f.Arg(0)
		s.emit(Event{Type: EventSystemUID, Frame: f, Args: f.Args, Text: info.UID})
	case f.Is(protocol.KindGet, protocol.CategorySystem, "ISEN"):
		info.MCUVdda = f.Arg(0)
		info.MCUTemp = f.Arg(1)
		s.emit(Event{Type: EventSystemInternalSensors, Frame: f, Args: f.Args})
	case f.Is(protocol.KindInvoke, protocol.CategorySystem, "REMOTE"):
		s.emit(Event{Type: EventSystemRemoteControl, Frame: f, Args: f.Args})
	default:
		s.unhandled(f)
	}
}

func (s *Session) handleMeasurement(f protocol.Frame) {
	switch {
	case f.Is(protocol.KindGet, protocol.CategoryMeasurement, "FORMAT"):
		s.cache.format = f.Arg(0)
		s.emit(Event{Type: EventMeasurementFormat, Frame: f, Text: f.Arg(0)})
	case f.Is(protocol.KindSet, protocol.CategoryMeasurement, "FORMAT") && f.IsOK():
		s.emit(Event{Type: EventMeasurementFormatSet, Frame: f})
	default:
		s.unhandled(f)
	}
}

// handleDensity decodes a pushed reading. The basic form carries the value in
// the action ("+1.23D"); the extended form has action "D" and four hex
// floats: value, zero offset, raw and corrected.
func (s *Session) handleDensity(f protocol.Frame) {
	var d DensityReading
	switch f.Kind {
	case protocol.KindDensityReflection:
		d.Type = DensityReflection
	case protocol.KindDensityTransmission:
		d.Type = DensityTransmission
	case protocol.KindDensityUvTransmission:
		d.Type = DensityUvTransmission
	}

	if f.Action == "D" && len(f.Args) >= 4 {
		values, err := floatArgs(f, 4)
		if err != nil {
			s.log.WithError(err).WithField("frame", f.String()).Warn("bad density reading")
			return
		}
		d.Value = float64(values[0])
		d.ZeroOffset = float64(values[1])
		d.Raw = float64(values[2])
		d.Corrected = float64(values[3])
		d.Extended = true
	} else {
		v, err := strconv.ParseFloat(strings.TrimSuffix(f.Action, "D"), 64)
		if err != nil {
			s.log.WithError(err).WithField("frame", f.String()).Warn("bad density reading")
			return
		}
		d.Value = v
	}
	s.emit(Event{Type: EventDensityReading, Frame: f, Density: d})
}

func (s *Session) handleCalibration(f protocol.Frame) {
	if f.Kind == protocol.KindSet {
		if !f.IsOK() {
			s.unhandled(f)
			return
		}
		if t, ok := setCompleteEvents[f.Action]; ok {
			s.emit(Event{Type: t, Frame: f})
			return
		}
		s.unhandled(f)
		return
	}
	if f.Kind != protocol.KindGet {
		s.unhandled(f)
		return
	}

	switch f.Action {
	case "GAIN":
		values, err := floatArgs(f, len(f.Args))
		if err != nil || len(values) != s.kind.GainLevels() {
			s.log.WithField("frame", f.String()).Warn("bad gain response")
			return
		}
		s.cache.gain = calibration.NewGainTable(values...)
		s.emit(Event{Type: EventGainResponse, Frame: f, Gain: s.cache.gain})

	case "SLOPE":
		n := 3
		if s.kind.HasSlopeZ() {
			n = 4
		}
		values, err := floatArgs(f, n)
		if err != nil {
			s.log.WithError(err).Warn("bad slope response")
			return
		}
		slope := calibration.SlopeCorrection{B0: values[0], B1: values[1], B2: values[2]}
		if n == 4 {
			slope.Z = values[3]
			slope.HasZ = true
		}
		s.cache.slope = slope
		s.emit(Event{Type: EventSlopeResponse, Frame: f, Slope: slope})

	case "VTEMP", "UTEMP":
		values, err := floatArgs(f, 3)
		if err != nil {
			s.log.WithError(err).Warn("bad temperature response")
			return
		}
		tc := calibration.TemperatureCorrection{B0: values[0], B1: values[1], B2: values[2]}
		t := EventVisTemperatureResponse
		if f.Action == "VTEMP" {
			s.cache.visTemp = tc
		} else {
			s.cache.uvTemp = tc
			t = EventUvTemperatureResponse
		}
		s.emit(Event{Type: t, Frame: f, Temperature: tc})

	case "REFL", "TRAN", "UVTR":
		values, err := floatArgs(f, 4)
		if err != nil {
			s.log.WithError(err).Warn("bad target response")
			return
		}
		target := calibration.Target{
			LoDensity: values[0],
			LoReading: values[1],
			HiDensity: values[2],
			HiReading: values[3],
		}
		var t EventType
		switch f.Action {
		case "REFL":
			s.cache.refl = target
			t = EventReflectionResponse
		case "TRAN":
			s.cache.tran = target
			t = EventTransmissionResponse
		default:
			s.cache.uvTran = target
			t = EventUvTransmissionResponse
		}
		s.emit(Event{Type: t, Frame: f, Target: target})

	default:
		s.unhandled(f)
	}
}

var setCompleteEvents = map[string]EventType{
	"GAIN":  EventGainSetComplete,
	"SLOPE": EventSlopeSetComplete,
	"VTEMP": EventVisTemperatureSetComplete,
	"UTEMP": EventUvTemperatureSetComplete,
	"REFL":  EventReflectionSetComplete,
	"TRAN":  EventTransmissionSetComplete,
	"UVTR":  EventUvTransmissionSetComplete,
}

func (s *Session) handleDiagnostics(f protocol.Frame) {
	switch {
	case f.Is(protocol.KindGet, protocol.CategoryDiagnostics, "DISP"):
		if f.Buffer == nil {
			s.unhandled(f)
			return
		}
		s.emit(Event{Type: EventDiagDisplayScreenshot, Frame: f, Buffer: f.Buffer})

	case f.Kind == protocol.KindSet && (f.Action == "LR" || f.Action == "LT" || f.Action == "LU"):
		if f.IsOK() {
			s.emit(Event{Type: EventDiagLightSetComplete, Frame: f, Text: f.Action})
		}

	case f.Is(protocol.KindInvoke, protocol.CategoryDiagnostics, "S"):
		if lastArg(f) == protocol.ArgOK {
			s.emit(Event{Type: EventDiagSensorInvoked, Frame: f, Text: f.Arg(0)})
		}

	case f.Is(protocol.KindSet, protocol.CategoryDiagnostics, "S"):
		if lastArg(f) != protocol.ArgOK {
			s.unhandled(f)
			return
		}
		switch f.Arg(0) {
		case "CFG":
			s.emit(Event{Type: EventDiagSensorConfigSet, Frame: f})
		case "AGC":
			s.emit(Event{Type: EventDiagSensorAgcSet, Frame: f})
		default:
			s.unhandled(f)
		}

	case f.Is(protocol.KindSet, protocol.CategoryDiagnostics, "LOG"):
		if lastArg(f) == protocol.ArgOK {
			s.emit(Event{Type: EventDiagLogSetComplete, Frame: f})
		}

	case f.Is(protocol.KindGet, protocol.CategoryDiagnostics, "READING"):
		s.handleDiagReading(f)

	default:
		s.unhandled(f)
	}
}

// handleDiagReading decodes "GD READING,<raw>,<status>,<gain>,<time>,<count>"
// or "GD READING,ERR[,<reason>]".
func (s *Session) handleDiagReading(f protocol.Frame) {
	if f.Arg(0) == "ERR" {
		s.emit(Event{Type: EventDiagSensorError, Frame: f, Text: f.Arg(1)})
		return
	}
	if len(f.Args) < 5 {
		s.log.WithField("frame", f.String()).Warn("short diagnostic reading")
		return
	}
	raw, err := strconv.ParseUint(f.Arg(0), 10, 32)
	if err != nil {
		s.log.WithError(err).Warn("bad diagnostic reading")
		return
	}
	var ints [4]int
	for i := range ints {
		if ints[i], err = f.ArgInt(i + 1); err != nil {
			s.log.WithError(err).Warn("bad diagnostic reading")
			return
		}
	}
	r := DiagReading{
		RawCount:    uint32(raw),
		Status:      DiagStatus(ints[0]),
		Gain:        ints[1],
		SampleTime:  ints[2],
		SampleCount: ints[3],
	}
	if r.Status < DiagInvalid || r.Status > DiagOverflow {
		r.Status = DiagInvalid
	}
	s.emit(Event{Type: EventDiagSensorReading, Frame: f, Diag: r})
}

func floatArgs(f protocol.Frame, n int) ([]float32, error) {
	if len(f.Args) < n {
		return nil, fmt.Errorf("%s: want %d values, got %d", f.Action, n, len(f.Args))
	}
	out := make([]float32, n)
	for i := range out {
		v, err := f.ArgFloat(i)
		if err != nil {
			return nil, fmt.Errorf("%s arg %d: %w", f.Action, i, err)
		}
		out[i] = v
	}
	return out, nil
}

func lastArg(f protocol.Frame) string {
	if len(f.Args) == 0 {
		return ""
	}
	return f.Args[len(f.Args)-1]
}
