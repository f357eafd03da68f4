package events

import (
	"math"
	"time"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

// Message is an event flattened into JSON friendly data.
type Message struct {
	Source string      `json:"source"`
	Type   string      `json:"type"`
	Time   time.Time   `json:"time"`
	Data   interface{} `json:"data,omitempty"`
}

const (
	SourceSession = "session"
	SourceProbe   = "probe"
)

// IsReading reports whether m carries a density result.
func (m Message) IsReading() bool {
	_, ok := m.Data.(Reading)
	return ok
}

// Reading is a density result from either the serial device or the probe.
type Reading struct {
	Source string `json:"source"`
	Mode   string `json:"mode"`
	// Density is nil when the probe has no valid target to convert with.
	Density    *float64 `json:"density"`
	ZeroOffset *float64 `json:"zero_offset,omitempty"`
	Raw        *float64 `json:"raw,omitempty"`
	Corrected  *float64 `json:"corrected,omitempty"`
	Basic      *float64 `json:"basic,omitempty"`
	GainValue  *float64 `json:"gain_value,omitempty"`
}

type Text struct {
	Text string   `json:"text,omitempty"`
	Args []string `json:"args,omitempty"`
}

type LogLine struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

type Error struct {
	Error string `json:"error"`
}

type Gain struct {
	Values []*float64 `json:"values"`
}

type Slope struct {
	B0 *float64 `json:"b0"`
	B1 *float64 `json:"b1"`
	B2 *float64 `json:"b2"`
	Z  *float64 `json:"z,omitempty"`
}

type Target struct {
	LoDensity *float64 `json:"lo_density"`
	LoReading *float64 `json:"lo_reading"`
	HiDensity *float64 `json:"hi_density"`
	HiReading *float64 `json:"hi_reading"`
}

type DiagReading struct {
	RawCount    uint32 `json:"raw_count"`
	Status      int    `json:"status"`
	Gain        int    `json:"gain"`
	SampleTime  int    `json:"sample_time"`
	SampleCount int    `json:"sample_count"`
}

type Screenshot struct {
	Image []byte `json:"image"`
}

type Button struct {
	Pressed bool `json:"pressed"`
}

type SensorReading struct {
	Status   string   `json:"status"`
	Gain     int      `json:"gain"`
	RawCount uint32   `json:"raw_count"`
	Basic    *float64 `json:"basic"`
}

type TargetProgress struct {
	Phase      string `json:"phase"`
	IgnoreDone int    `json:"ignore_done"`
	AvgDone    int    `json:"avg_done"`
	AvgTarget  int    `json:"avg_target"`
	Gain       int    `json:"gain"`
}

type SweepProgress struct {
	Phase      string `json:"phase"`
	Level      int    `json:"level"`
	Brightness uint8  `json:"brightness"`
	PairsDone  int    `json:"pairs_done"`
	PairsTotal int    `json:"pairs_total"`
}

type Record struct {
	Gain   *Gain   `json:"gain,omitempty"`
	Slope  *Slope  `json:"slope,omitempty"`
	Target *Target `json:"target,omitempty"`
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finite32(v float32) *float64 { return finite(float64(v)) }

func NewGain(g calibration.GainTable) Gain {
	vals := g.Values()
	out := Gain{Values: make([]*float64, len(vals))}
	for i, v := range vals {
		out.Values[i] = finite32(v)
	}
	return out
}

func NewSlope(s calibration.SlopeCorrection) Slope {
	out := Slope{B0: finite32(s.B0), B1: finite32(s.B1), B2: finite32(s.B2)}
	if s.HasZ {
		out.Z = finite32(s.Z)
	}
	return out
}

func NewTemperature(c calibration.TemperatureCorrection) Slope {
	return Slope{B0: finite32(c.B0), B1: finite32(c.B1), B2: finite32(c.B2)}
}

func NewTarget(t calibration.Target) Target {
	return Target{
		LoDensity: finite32(t.LoDensity),
		LoReading: finite32(t.LoReading),
		HiDensity: finite32(t.HiDensity),
		HiReading: finite32(t.HiReading),
	}
}

func NewRecord(r calibration.Record) Record {
	var out Record
	if r.HasGain {
		g := NewGain(r.Gain)
		out.Gain = &g
	}
	if r.HasSlope {
		s := NewSlope(r.Slope)
		out.Slope = &s
	}
	if r.HasTarget {
		t := NewTarget(r.Target)
		out.Target = &t
	}
	return out
}

func errorData(err error) interface{} {
	if err == nil {
		return nil
	}
	return Error{Error: err.Error()}
}

// FromSession flattens a session event.
func FromSession(e session.Event) Message {
	m := Message{Source: SourceSession, Type: e.Type.String()}
	switch e.Type {
	case session.EventConnectionError, session.EventDiagSensorError:
		m.Data = errorData(e.Err)
	case session.EventLogLine:
		m.Data = LogLine{Level: string(e.LogLevel), Text: e.Text}
	case session.EventDensityReading:
		d := e.Density
		r := Reading{Source: SourceSession, Mode: d.Type.String(), Density: finite(d.Value)}
		if d.Extended {
			r.ZeroOffset = finite(d.ZeroOffset)
			r.Raw = finite(d.Raw)
			r.Corrected = finite(d.Corrected)
		}
		m.Data = r
	case session.EventGainResponse:
		m.Data = NewGain(e.Gain)
	case session.EventSlopeResponse:
		m.Data = NewSlope(e.Slope)
	case session.EventVisTemperatureResponse, session.EventUvTemperatureResponse:
		m.Data = NewTemperature(e.Temperature)
	case session.EventReflectionResponse, session.EventTransmissionResponse, session.EventUvTransmissionResponse:
		m.Data = NewTarget(e.Target)
	case session.EventDiagSensorReading:
		m.Data = DiagReading{
			RawCount:    e.Diag.RawCount,
			Status:      int(e.Diag.Status),
			Gain:        e.Diag.Gain,
			SampleTime:  e.Diag.SampleTime,
			SampleCount: e.Diag.SampleCount,
		}
	case session.EventDiagDisplayScreenshot:
		m.Data = Screenshot{Image: e.Buffer}
	default:
		if e.Text != "" || len(e.Args) > 0 {
			m.Data = Text{Text: e.Text, Args: e.Args}
		}
	}
	return m
}

// FromProbe flattens a probe event.
func FromProbe(e probe.Event) Message {
	m := Message{Source: SourceProbe, Type: e.Type.String()}
	switch e.Type {
	case probe.EventButton:
		m.Data = Button{Pressed: e.Pressed}
	case probe.EventSensorReading:
		m.Data = SensorReading{
			Status:   e.Reading.Status.String(),
			Gain:     int(e.Reading.Gain),
			RawCount: e.Reading.RawCount,
			Basic:    finite(e.Basic),
		}
	case probe.EventTargetMeasurement:
		m.Data = TargetProgress{
			Phase:      string(e.Target.Phase),
			IgnoreDone: e.Target.IgnoreDone,
			AvgDone:    e.Target.AvgDone,
			AvgTarget:  e.Target.AvgTarget,
			Gain:       int(e.Target.Gain),
		}
	case probe.EventTargetDensity:
		m.Data = Reading{
			Source:    SourceProbe,
			Mode:      "probe",
			Density:   finite(e.Result.Density),
			Raw:       finite(e.Result.RawAverage),
			Basic:     finite(e.Result.Basic),
			GainValue: finite(e.Result.GainValue),
		}
	case probe.EventGainCalibrationProgress:
		m.Data = SweepProgress{
			Phase:      string(e.Sweep.Phase),
			Level:      e.Sweep.Level,
			Brightness: e.Sweep.Brightness,
			PairsDone:  e.Sweep.PairsDone,
			PairsTotal: e.Sweep.PairsTotal,
		}
	case probe.EventGainCalibrationComplete:
		m.Data = NewGain(e.Gain)
	case probe.EventCalibrationSaved:
		m.Data = NewRecord(e.Record)
	case probe.EventGainCalibrationFailed, probe.EventError:
		m.Data = errorData(e.Err)
	}
	return m
}
