package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/serial"
	"github.com/dektronics/densitometer-desktop-sub000/session"
	"github.com/dektronics/densitometer-desktop-sub000/ui"
)

const lightStep = 16

// serialMonitor drives a densitometer over its serial port.
type serialMonitor struct {
	sess     *session.Session
	port     *serial.Port
	kind     calibration.DeviceKind
	extended bool

	// touched only on the session goroutine
	sensorOn bool
	light    int
}

func openSerial(opts options, log *logrus.Logger, emit func(events.Message)) (*serialMonitor, error) {
	cfg := opts.cfg
	kind, err := cfg.Serial.DeviceKind()
	if err != nil {
		return nil, err
	}
	if _, err := config.EnsureSerialPort(opts.cfgPath, cfg, opts.cfgPath != ""); err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Serial.PortConfig())
	if err != nil {
		return nil, err
	}
	log.WithField("port", port.Name()).Info("serial port open")

	m := &serialMonitor{port: port, kind: kind, extended: opts.extended}
	m.sess = session.New(log, func(e session.Event) {
		if e.Type == session.EventConnectionOpened && m.extended {
			// Runs on the session goroutine already.
			if err := m.sess.SendSetMeasurementFormat(session.FormatExtended); err != nil {
				log.WithError(err).Warn("extended format request failed")
			}
		}
		emit(events.FromSession(e))
	})
	return m, nil
}

func (m *serialMonitor) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- m.sess.Run(ctx) }()
	if err := m.call(func(s *session.Session) error {
		if !s.Connect(m.port, m.kind) {
			return fmt.Errorf("connect to %s failed", m.port.Name())
		}
		return nil
	}); err != nil {
		m.sess.Stop()
		<-errc
		return err
	}
	return <-errc
}

func (m *serialMonitor) call(fn func(*session.Session) error) error {
	errc := make(chan error, 1)
	if !m.sess.Post(func(s *session.Session) { errc <- fn(s) }) {
		return fmt.Errorf("session stopped")
	}
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("session did not respond in time")
	}
}

func (m *serialMonitor) Handle(a ui.Action) error {
	return m.call(func(s *session.Session) error {
		if !s.IsConnected() {
			return session.ErrNotConnected
		}
		switch a {
		case ui.ActionToggleSensor:
			m.sensorOn = !m.sensorOn
			if m.sensorOn {
				return s.SendInvokeDiagSensorStart()
			}
			return s.SendInvokeDiagSensorStop()
		case ui.ActionLightUp, ui.ActionLightDown:
			if a == ui.ActionLightUp {
				m.light = min(m.light+lightStep, session.MaxLightValue)
			} else {
				m.light = max(m.light-lightStep, 0)
			}
			if m.kind == calibration.DeviceUvVis {
				return s.SendSetDiagLightUvTran(m.light)
			}
			return s.SendSetDiagLightRefl(m.light)
		case ui.ActionCancel:
			m.light = 0
			m.sensorOn = false
			if err := s.SendSetDiagLightRefl(0); err != nil {
				return err
			}
			return s.SendInvokeDiagSensorStop()
		case ui.ActionGainCalibration:
			return s.SendGetCalGain()
		case ui.ActionMeasure:
			return fmt.Errorf("measurements are started on the device")
		}
		return nil
	})
}

func (m *serialMonitor) Close() {
	_ = m.port.Close()
}
