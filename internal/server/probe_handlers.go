package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/measure"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
)

// current returns the open probe, or nil once its loop has ended.
func (d *ProbeDevice) current() *probe.Probe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probe == nil {
		return nil
	}
	select {
	case <-d.done:
		d.closeLocked()
		return nil
	default:
		return d.probe
	}
}

// closeLocked stops the probe loop and waits for it to release the bridge.
func (d *ProbeDevice) closeLocked() {
	if d.probe == nil {
		return
	}
	d.cancel()
	<-d.done
	d.probe = nil
	d.cancel = nil
	d.done = nil
}

func (s *Server) closeProbe() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.closeLocked()
}

// probeCall runs fn on the probe loop.
func (s *Server) probeCall(fn func(*probe.Probe) error) error {
	p := s.dev.current()
	if p == nil {
		return errNoProbe
	}
	return postWait(p.Post, s.opts.CallTimeout, fn)
}

func (s *Server) writeProbeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, 200, OKResponse{OK: true})
	case errors.Is(err, errNoProbe), errors.Is(err, probe.ErrBusy):
		s.writeError(w, 409, err)
	case errors.Is(err, errTimeout), errors.Is(err, errStopped):
		s.writeError(w, 503, err)
	default:
		s.writeError(w, 400, err)
	}
}

func (s *Server) handleProbeConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	resp, err := s.ConnectProbe()
	if err != nil {
		s.writeError(w, 400, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

// ConnectProbe opens the probe bridge, replacing any probe already open,
// and starts its loop.
func (s *Server) ConnectProbe() (ProbeStatusResponse, error) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.closeLocked()

	p, err := s.opts.OpenProbe(s.opts.Probe.ProbeSettings(), s.opts.Log, s.onProbeEvent)
	if err != nil {
		return ProbeStatusResponse{}, err
	}
	h := p.Header()
	resp := ProbeStatusResponse{
		DeviceType:     h.DeviceType.String(),
		DeviceRevision: int(h.DeviceRevision),
		Brightness:     p.Brightness(),
		Calibration:    events.NewRecord(p.Record()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("probe loop ended")
		}
	}()
	s.dev.probe = p
	s.dev.cancel = cancel
	s.dev.done = done
	s.log.WithField("type", resp.DeviceType).Info("probe connected")
	return resp, nil
}

func (s *Server) handleProbeDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.closeProbe()
	s.writeJSON(w, 200, OKResponse{OK: true})
}

func (s *Server) handleProbeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	resp, err := s.probeStatus()
	if err != nil {
		s.writeProbeResult(w, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) probeStatus() (ProbeStatusResponse, error) {
	var resp ProbeStatusResponse
	err := s.probeCall(func(p *probe.Probe) error {
		h := p.Header()
		d := p.Sensor()
		resp = ProbeStatusResponse{
			DeviceType:     h.DeviceType.String(),
			DeviceRevision: int(h.DeviceRevision),
			Running:        d.Running(),
			Busy:           p.Busy(),
			Gain:           int(d.Gain()),
			SampleTime:     d.SampleTime(),
			SampleCount:    d.SampleCount(),
			Agc:            d.AgcEnabled(),
			IntegrationMs:  d.IntegrationMillis(),
			Brightness:     p.Brightness(),
			Calibration:    events.NewRecord(p.Record()),
		}
		return nil
	})
	return resp, err
}

func (s *Server) handleProbeSensorStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.writeProbeResult(w, s.probeCall((*probe.Probe).StartSensor))
}

func (s *Server) handleProbeSensorStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.writeProbeResult(w, s.probeCall((*probe.Probe).StopSensor))
}

func (s *Server) handleProbeSensorConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ProbeSensorConfigRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	err := s.probeCall(func(p *probe.Probe) error {
		d := p.Sensor()
		if req.Agc != nil {
			if err := p.SetAgcEnabled(*req.Agc); err != nil {
				return err
			}
		}
		if req.AgcSampleCount != nil {
			if err := d.SetAgcSampleCount(*req.AgcSampleCount); err != nil {
				return err
			}
		}
		if req.Gain != nil {
			if err := p.SetGain(sensor.Gain(*req.Gain)); err != nil {
				return err
			}
		}
		if req.SampleTime != nil || req.SampleCount != nil {
			t, c := d.SampleTime(), d.SampleCount()
			if req.SampleTime != nil {
				t = *req.SampleTime
			}
			if req.SampleCount != nil {
				c = *req.SampleCount
			}
			return p.SetIntegration(t, c)
		}
		return nil
	})
	s.writeProbeResult(w, err)
}

func (s *Server) handleProbeLight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ProbeLightRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	s.writeProbeResult(w, s.probeCall(func(p *probe.Probe) error { return p.SetLight(req.Brightness) }))
}

func (s *Server) handleProbeMeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.writeProbeResult(w, s.probeCall((*probe.Probe).MeasureTarget))
}

func (s *Server) handleProbeGainCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.writeProbeResult(w, s.probeCall((*probe.Probe).StartGainCalibration))
}

func (s *Server) handleProbeSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ProbeSaveRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	s.writeProbeResult(w, s.probeCall(func(p *probe.Probe) error {
		return p.SaveCalibration(req.Apply(p.Record()))
	}))
}

func (s *Server) handleProbeDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	paths, err := s.opts.EnumerateProbes(s.opts.Probe.ProbeSettings().Bridge)
	if err != nil {
		s.writeError(w, 404, err)
		return
	}
	s.writeJSON(w, 200, ProbeDetectResponse{Devices: paths})
}

// handleProbeSlope fits the slope correction to a step wedge measured
// against the probe's current target.
func (s *Server) handleProbeSlope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req ProbeSlopeRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, 400, err)
		return
	}
	var resp ProbeSlopeResponse
	err := s.probeCall(func(p *probe.Probe) error {
		rec := p.Record()
		points, err := measure.WedgePoints(rec.Target, req.Densities, req.Readings)
		if err != nil {
			return err
		}
		slope, err := measure.FitSlope(points)
		if err != nil {
			return err
		}
		resp = ProbeSlopeResponse{Slope: events.NewSlope(slope), Points: len(points)}
		if req.Save {
			if err := p.SaveCalibration(rec.WithSlope(slope)); err != nil {
				return err
			}
			resp.Saving = true
		}
		return nil
	})
	if err != nil {
		s.writeProbeResult(w, err)
		return
	}
	s.writeJSON(w, 200, resp)
}

func (s *Server) handleProbeCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.writeProbeResult(w, s.probeCall(func(p *probe.Probe) error {
		p.CancelOperation()
		return nil
	}))
}
