package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/ui"
)

// probeMonitor drives the USB sensor probe.
type probeMonitor struct {
	dev *probe.Probe
	log *logrus.Entry

	// touched only on the probe goroutine
	sweep calibration.GainTable
}

func openProbe(opts options, log *logrus.Logger, emit func(events.Message)) (*probeMonitor, error) {
	m := &probeMonitor{log: log.WithField("component", "densmon")}
	dev, err := probe.Open(opts.cfg.Probe.ProbeSettings(), log, func(e probe.Event) {
		if e.Type == probe.EventGainCalibrationComplete {
			m.sweep = e.Gain
		}
		emit(events.FromProbe(e))
	})
	if err != nil {
		return nil, err
	}
	m.dev = dev
	h := dev.Header()
	m.log.WithField("type", h.DeviceType).WithField("revision", h.DeviceRevision).Info("probe open")
	return m, nil
}

func (m *probeMonitor) Run(ctx context.Context) error {
	return m.dev.Run(ctx)
}

func (m *probeMonitor) Handle(a ui.Action) error {
	errc := make(chan error, 1)
	if !m.dev.Post(func(p *probe.Probe) { errc <- m.handle(p, a) }) {
		return fmt.Errorf("probe stopped")
	}
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("probe did not respond in time")
	}
}

func (m *probeMonitor) handle(p *probe.Probe, a ui.Action) error {
	switch a {
	case ui.ActionMeasure:
		return p.MeasureTarget()
	case ui.ActionGainCalibration:
		return p.StartGainCalibration()
	case ui.ActionCancel:
		p.CancelOperation()
	case ui.ActionToggleSensor:
		if p.Sensor().Running() {
			return p.StopSensor()
		}
		return p.StartSensor()
	case ui.ActionLightUp, ui.ActionLightDown:
		b := int(p.Brightness())
		if a == ui.ActionLightUp {
			b = min(b+lightStep, 127)
		} else {
			b = max(b-lightStep, 0)
		}
		return p.SetLight(uint8(b))
	case ui.ActionSave:
		if m.sweep.IsEmpty() {
			return fmt.Errorf("no gain table to save, run a gain calibration first")
		}
		return p.SaveCalibration(p.Record().WithGain(m.sweep))
	}
	return nil
}

func (m *probeMonitor) Close() {
	m.dev.Stop()
}
