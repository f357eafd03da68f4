package session

import (
	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/protocol"
)

// EventType tags an Event with what happened.
type EventType int

const (
	EventConnectionOpened EventType = iota + 1
	EventConnectionClosed
	EventConnectionError

	EventSystemVersion
	EventSystemBuild
	EventSystemDeviceInfo
	EventSystemRtc
	EventSystemUID
	EventSystemInternalSensors
	EventSystemRemoteControl

	EventMeasurementFormat
	EventMeasurementFormatSet
	EventDensityReading

	EventGainResponse
	EventGainSetComplete
	EventSlopeResponse
	EventSlopeSetComplete
	EventVisTemperatureResponse
	EventVisTemperatureSetComplete
	EventUvTemperatureResponse
	EventUvTemperatureSetComplete
	EventReflectionResponse
	EventReflectionSetComplete
	EventTransmissionResponse
	EventTransmissionSetComplete
	EventUvTransmissionResponse
	EventUvTransmissionSetComplete

	EventDiagDisplayScreenshot
	EventDiagLightSetComplete
	EventDiagSensorInvoked
	EventDiagSensorConfigSet
	EventDiagSensorAgcSet
	EventDiagLogSetComplete
	EventDiagSensorReading
	EventDiagSensorError

	EventCommandRejected
	EventLogLine
)

var eventNames = map[EventType]string{
	EventConnectionOpened:          "connection-opened",
	EventConnectionClosed:          "connection-closed",
	EventConnectionError:           "connection-error",
	EventSystemVersion:             "system-version",
	EventSystemBuild:               "system-build",
	EventSystemDeviceInfo:          "system-device-info",
	EventSystemRtc:                 "system-rtc",
	EventSystemUID:                 "system-uid",
	EventSystemInternalSensors:     "system-internal-sensors",
	EventSystemRemoteControl:       "system-remote-control",
	EventMeasurementFormat:         "measurement-format",
	EventMeasurementFormatSet:      "measurement-format-set",
	EventDensityReading:            "density-reading",
	EventGainResponse:              "cal-gain",
	EventGainSetComplete:           "cal-gain-set",
	EventSlopeResponse:             "cal-slope",
	EventSlopeSetComplete:          "cal-slope-set",
	EventVisTemperatureResponse:    "cal-vis-temp",
	EventVisTemperatureSetComplete: "cal-vis-temp-set",
	EventUvTemperatureResponse:     "cal-uv-temp",
	EventUvTemperatureSetComplete:  "cal-uv-temp-set",
	EventReflectionResponse:        "cal-reflection",
	EventReflectionSetComplete:     "cal-reflection-set",
	EventTransmissionResponse:      "cal-transmission",
	EventTransmissionSetComplete:   "cal-transmission-set",
	EventUvTransmissionResponse:    "cal-uv-transmission",
	EventUvTransmissionSetComplete: "cal-uv-transmission-set",
	EventDiagDisplayScreenshot:     "diag-display-screenshot",
	EventDiagLightSetComplete:      "diag-light-set",
	EventDiagSensorInvoked:         "diag-sensor-invoked",
	EventDiagSensorConfigSet:       "diag-sensor-config-set",
	EventDiagSensorAgcSet:          "diag-sensor-agc-set",
	EventDiagLogSetComplete:        "diag-log-set",
	EventDiagSensorReading:         "diag-sensor-reading",
	EventDiagSensorError:           "diag-sensor-error",
	EventCommandRejected:           "command-rejected",
	EventLogLine:                   "log-line",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// DensityType is the measurement channel of a density reading.
type DensityType int

const (
	DensityReflection DensityType = iota
	DensityTransmission
	DensityUvTransmission
)

func (d DensityType) String() string {
	switch d {
	case DensityReflection:
		return "reflection"
	case DensityTransmission:
		return "transmission"
	case DensityUvTransmission:
		return "uv-transmission"
	}
	return "unknown"
}

// DensityReading is a measurement pushed by the device. Basic format lines
// only carry Value; Extended is set when the other fields are present.
type DensityReading struct {
	Type       DensityType
	Value      float64
	ZeroOffset float64
	Raw        float64
	Corrected  float64
	Extended   bool
}

// DiagStatus mirrors the sensor status reported by diagnostic readings.
type DiagStatus int

const (
	DiagInvalid DiagStatus = iota
	DiagValid
	DiagSaturated
	DiagOverflow
)

// DiagReading is one raw sensor reading streamed while the diagnostic
// sensor mode is running.
type DiagReading struct {
	RawCount    uint32
	Status      DiagStatus
	Gain        int
	SampleTime  int
	SampleCount int
}

// Event is delivered to the session's listener. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// Frame is the response that produced the event, when there was one.
	Frame protocol.Frame

	Text     string
	Args     []string
	LogLevel byte
	Err      error

	Density     DensityReading
	Diag        DiagReading
	Gain        calibration.GainTable
	Slope       calibration.SlopeCorrection
	Temperature calibration.TemperatureCorrection
	Target      calibration.Target
	Buffer      []byte
}
