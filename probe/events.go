package probe

import (
	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/measure"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

type EventType int

const (
	EventButton EventType = iota + 1
	EventSensorReading
	EventTargetMeasurement
	EventTargetDensity
	EventGainCalibrationProgress
	EventGainCalibrationComplete
	EventGainCalibrationFailed
	EventCalibrationSaved
	EventError
	EventClosed
)

var eventNames = map[EventType]string{
	EventButton:                  "button",
	EventSensorReading:           "sensor_reading",
	EventTargetMeasurement:       "target_measurement",
	EventTargetDensity:           "target_density",
	EventGainCalibrationProgress: "gain_calibration_progress",
	EventGainCalibrationComplete: "gain_calibration_complete",
	EventGainCalibrationFailed:   "gain_calibration_failed",
	EventCalibrationSaved:        "calibration_saved",
	EventError:                   "error",
	EventClosed:                  "closed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is a notification from the probe loop. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType

	Pressed bool
	Reading sensor.Reading
	// Basic is the reading normalized by integration time and gain.
	Basic float64

	Target measure.TargetUpdate
	Result measure.TargetResult

	Sweep measure.GainUpdate
	Gain  calibration.GainTable

	Record calibration.Record
	Err    error
}
