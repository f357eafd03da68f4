package server

import (
	"math"
	"time"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

type APIError struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type HealthResponse struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryResponse struct {
	Source   string           `json:"source"`
	Readings []events.Message `json:"readings"`
}

type DetectResponse struct {
	Port string `json:"port"`
}

type SerialConnectRequest struct {
	Port   string `json:"port"`
	Device string `json:"device"`
}

type SerialStatusResponse struct {
	State        string             `json:"state"`
	Device       string             `json:"device"`
	Unrecognized bool               `json:"unrecognized"`
	Info         session.SystemInfo `json:"info"`
	Format       string             `json:"format,omitempty"`
}

type SerialCalibrationResponse struct {
	Gain           events.Gain   `json:"gain"`
	Slope          events.Slope  `json:"slope"`
	VisTemperature events.Slope  `json:"vis_temperature"`
	UvTemperature  events.Slope  `json:"uv_temperature"`
	Reflection     events.Target `json:"reflection"`
	Transmission   events.Target `json:"transmission"`
	UvTransmission events.Target `json:"uv_transmission"`
}

// SerialRequest names one device request. Only the fields the request
// uses are read.
type SerialRequest struct {
	Request string `json:"request"`

	Enabled     bool       `json:"enabled,omitempty"`
	Format      string     `json:"format,omitempty"`
	Value       int        `json:"value,omitempty"`
	Gain        []float32  `json:"gain,omitempty"`
	Slope       *SlopeDTO  `json:"slope,omitempty"`
	Target      *TargetDTO `json:"target,omitempty"`
	SensorGain  int        `json:"sensor_gain,omitempty"`
	SampleTime  int        `json:"sample_time,omitempty"`
	SampleCount int        `json:"sample_count,omitempty"`
}

// SlopeDTO carries slope or temperature coefficients. Z is only used by
// the VIS family's slope.
type SlopeDTO struct {
	B0 float32  `json:"b0"`
	B1 float32  `json:"b1"`
	B2 float32  `json:"b2"`
	Z  *float32 `json:"z,omitempty"`
}

func (d SlopeDTO) Slope() calibration.SlopeCorrection {
	s := calibration.SlopeCorrection{B0: d.B0, B1: d.B1, B2: d.B2, Z: float32(math.NaN())}
	if d.Z != nil {
		s.Z = *d.Z
		s.HasZ = true
	}
	return s
}

func (d SlopeDTO) Temperature() calibration.TemperatureCorrection {
	return calibration.TemperatureCorrection{B0: d.B0, B1: d.B1, B2: d.B2}
}

type TargetDTO struct {
	LoDensity float32 `json:"lo_density"`
	LoReading float32 `json:"lo_reading"`
	HiDensity float32 `json:"hi_density"`
	HiReading float32 `json:"hi_reading"`
}

func (d TargetDTO) Target() calibration.Target {
	return calibration.Target{
		LoDensity: d.LoDensity,
		LoReading: d.LoReading,
		HiDensity: d.HiDensity,
		HiReading: d.HiReading,
	}
}

type ProbeStatusResponse struct {
	DeviceType     string        `json:"device_type"`
	DeviceRevision int           `json:"device_revision"`
	Running        bool          `json:"running"`
	Busy           bool          `json:"busy"`
	Gain           int           `json:"gain"`
	SampleTime     uint16        `json:"sample_time"`
	SampleCount    uint16        `json:"sample_count"`
	Agc            bool          `json:"agc"`
	IntegrationMs  float64       `json:"integration_ms"`
	Brightness     uint8         `json:"brightness"`
	Calibration    events.Record `json:"calibration"`
}

type ProbeDetectResponse struct {
	Devices []string `json:"devices"`
}

type ProbeSensorConfigRequest struct {
	Gain           *int    `json:"gain,omitempty"`
	SampleTime     *uint16 `json:"sample_time,omitempty"`
	SampleCount    *uint16 `json:"sample_count,omitempty"`
	Agc            *bool   `json:"agc,omitempty"`
	AgcSampleCount *uint16 `json:"agc_sample_count,omitempty"`
}

// ProbeSlopeRequest is a step wedge run: the known density of each patch
// and the basic reading measured on it. Save writes the fitted slope to the
// probe.
type ProbeSlopeRequest struct {
	Densities []float64 `json:"densities"`
	Readings  []float64 `json:"readings"`
	Save      bool      `json:"save,omitempty"`
}

type ProbeSlopeResponse struct {
	Slope  events.Slope `json:"slope"`
	Points int          `json:"points"`
	Saving bool         `json:"saving"`
}

type ProbeLightRequest struct {
	Brightness uint8 `json:"brightness"`
}

// ProbeSaveRequest replaces blocks of the probe's calibration before it is
// written. Omitted blocks keep their current value.
type ProbeSaveRequest struct {
	Gain   []float32  `json:"gain,omitempty"`
	Slope  *SlopeDTO  `json:"slope,omitempty"`
	Target *TargetDTO `json:"target,omitempty"`
}

func (r ProbeSaveRequest) Apply(rec calibration.Record) calibration.Record {
	if len(r.Gain) > 0 {
		rec = rec.WithGain(calibration.NewGainTable(r.Gain...))
	}
	if r.Slope != nil {
		s := r.Slope.Slope()
		s.HasZ = false
		rec = rec.WithSlope(s)
	}
	if r.Target != nil {
		rec = rec.WithTarget(r.Target.Target())
	}
	return rec
}
