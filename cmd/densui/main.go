package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/measure"
	"github.com/dektronics/densitometer-desktop-sub000/probe"
)

type screen int

const (
	screenEntry screen = iota
	screenGain
	screenTarget
	screenMeasure
)

type modeStatus int

const (
	statusIdle modeStatus = iota
	statusRunning
	statusDone
	statusError
)

// targetStep is the patch the target calibration is waiting for.
type targetStep int

const (
	stepLowPatch targetStep = iota
	stepHighPatch
	stepTargetReady
)

const maxResults = 8

type model struct {
	scr screen

	// entry
	configInput textinput.Model
	configPath  string
	log         *logrus.Logger

	// connection
	dev      *probe.Probe
	events   chan probe.Event
	cancel   context.CancelFunc
	header   string
	record   calibration.Record
	lastErr  error
	infoLine string
	saving   bool

	// gain calibration
	gainStatus modeStatus
	gainProg   measure.GainUpdate
	gainTable  calibration.GainTable
	gainBar    progress.Model

	// target calibration
	loInput    textinput.Model
	hiInput    textinput.Model
	focusHi    bool
	step       targetStep
	loReading  float64
	hiReading  float64
	target     calibration.Target
	targetProg measure.TargetUpdate

	// measurement
	measureStatus modeStatus
	results       []measure.TargetResult
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

func initialModel(log *logrus.Logger) model {
	in := textinput.New()
	in.Placeholder = "Path to config.yaml"
	in.Focus()
	in.CharLimit = 512
	in.Width = 60

	lo := textinput.New()
	lo.Placeholder = "0.08"
	lo.CharLimit = 8
	lo.Width = 10

	hi := textinput.New()
	hi.Placeholder = "1.50"
	hi.CharLimit = 8
	hi.Width = 10

	m := model{
		scr:         screenEntry,
		configInput: in,
		loInput:     lo,
		hiInput:     hi,
		log:         log,
		gainBar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		record:      calibration.EmptyRecord(),
	}
	// support passing config path as arg
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		m.configInput.SetValue(os.Args[1])
		m.configInput.CursorEnd()
	}
	return m
}

type errMsg struct{ err error }
type infoMsg struct{ s string }
type connectedMsg struct {
	dev        *probe.Probe
	events     chan probe.Event
	cancel     context.CancelFunc
	configPath string
}
type disconnectedMsg struct{}
type probeEventMsg struct{ e probe.Event }
type eventsClosedMsg struct{}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.disconnect()
			return m, tea.Quit
		}
		switch m.scr {
		case screenEntry:
			return m.updateEntryKey(msg)
		case screenGain:
			return m.updateGainKey(msg)
		case screenTarget:
			return m.updateTargetKey(msg)
		case screenMeasure:
			return m.updateMeasureKey(msg)
		}

	case errMsg:
		m.lastErr = msg.err
		switch m.scr {
		case screenGain:
			m.gainStatus = statusError
		case screenMeasure:
			m.measureStatus = statusError
		}
		return m, nil

	case infoMsg:
		m.infoLine = msg.s
		return m, nil

	case connectedMsg:
		m.dev = msg.dev
		m.events = msg.events
		m.cancel = msg.cancel
		m.configPath = msg.configPath
		h := msg.dev.Header()
		m.header = fmt.Sprintf("%s rev %d", h.DeviceType, h.DeviceRevision)
		m.record = msg.dev.Record()
		m.infoLine = "Connected to " + m.header
		m.lastErr = nil
		return m, waitForEvent(m.events)

	case disconnectedMsg:
		m.infoLine = "Disconnected"
		return m, nil

	case eventsClosedMsg:
		return m, nil

	case probeEventMsg:
		m.handleProbeEvent(msg.e)
		if msg.e.Type == probe.EventClosed {
			m.dev = nil
			m.scr = screenEntry
			return m, nil
		}
		return m, waitForEvent(m.events)

	case progress.FrameMsg:
		pm, cmd := m.gainBar.Update(msg)
		m.gainBar = pm.(progress.Model)
		return m, cmd
	}

	// default: let inputs update
	switch m.scr {
	case screenEntry:
		var cmd tea.Cmd
		m.configInput, cmd = m.configInput.Update(msg)
		return m, cmd
	case screenTarget:
		return m.updateTargetInputs(msg)
	}
	return m, nil
}

func (m *model) handleProbeEvent(e probe.Event) {
	switch e.Type {
	case probe.EventGainCalibrationProgress:
		m.gainProg = e.Sweep
	case probe.EventGainCalibrationComplete:
		m.gainTable = e.Gain
		m.gainStatus = statusDone
		m.infoLine = "Gain calibration complete. Press s to save."
	case probe.EventGainCalibrationFailed:
		m.gainStatus = statusError
		m.lastErr = e.Err
	case probe.EventTargetMeasurement:
		m.targetProg = e.Target
	case probe.EventTargetDensity:
		m.measureStatus = statusDone
		if m.scr == screenTarget {
			m.acceptPatch(e.Result.Basic)
			return
		}
		m.results = append(m.results, e.Result)
		if len(m.results) > maxResults {
			m.results = m.results[len(m.results)-maxResults:]
		}
	case probe.EventCalibrationSaved:
		m.saving = false
		m.record = e.Record
		m.infoLine = "Calibration saved to probe."
	case probe.EventButton:
		if e.Pressed {
			m.infoLine = "Button pressed"
		}
	case probe.EventError:
		m.saving = false
		m.lastErr = e.Err
		if m.measureStatus == statusRunning {
			m.measureStatus = statusError
		}
	case probe.EventClosed:
		m.infoLine = "Probe closed"
	}
}

// acceptPatch stores the reading for the current target step.
func (m *model) acceptPatch(basic float64) {
	switch m.step {
	case stepLowPatch:
		m.loReading = basic
		m.step = stepHighPatch
	case stepHighPatch:
		m.hiReading = basic
		t, err := buildTarget(m.loInput.Value(), m.hiInput.Value(), m.loReading, m.hiReading)
		if err != nil {
			m.lastErr = err
			m.step = stepLowPatch
			return
		}
		m.target = t
		m.step = stepTargetReady
		m.infoLine = "Target measured. Press s to save."
	}
}

// buildTarget turns the entered patch densities and their measured basic
// readings into a calibration target.
func buildTarget(loDensity, hiDensity string, loReading, hiReading float64) (calibration.Target, error) {
	lo, err := strconv.ParseFloat(strings.TrimSpace(loDensity), 32)
	if err != nil {
		return calibration.NoTarget(), fmt.Errorf("low density: %w", err)
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(hiDensity), 32)
	if err != nil {
		return calibration.NoTarget(), fmt.Errorf("high density: %w", err)
	}
	t := calibration.Target{
		LoDensity: float32(lo),
		LoReading: float32(loReading),
		HiDensity: float32(hi),
		HiReading: float32(hiReading),
	}
	if !t.IsValid() {
		return calibration.NoTarget(), fmt.Errorf("target %.2fD/%.2fD with readings %.4f/%.4f is not valid", lo, hi, loReading, hiReading)
	}
	return t, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Densitometer Probe Calibration") + "\n")
	b.WriteString(helpStyle.Render("Ctrl+C to quit. 'b' to go back from a mode.") + "\n\n")
	if m.infoLine != "" {
		b.WriteString(okStyle.Render(m.infoLine) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("Error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString("\n")

	switch m.scr {
	case screenEntry:
		b.WriteString(m.viewEntry())
	case screenGain:
		b.WriteString(m.viewGain())
	case screenTarget:
		b.WriteString(m.viewTarget())
	case screenMeasure:
		b.WriteString(m.viewMeasure())
	}
	return b.String()
}

func (m model) viewEntry() string {
	var b strings.Builder
	b.WriteString("Config YAML:\n")
	b.WriteString(m.configInput.View() + "\n\n")
	if m.dev == nil {
		b.WriteString(helpStyle.Render("Enter a config path (or leave empty for defaults) then press Enter to connect.") + "\n")
		return b.String()
	}
	b.WriteString(okStyle.Render("Connected: "+m.header) + "\n\n")
	b.WriteString(viewRecord(m.record) + "\n")
	b.WriteString("Select mode:\n")
	b.WriteString("  1) Gain calibration\n")
	b.WriteString("  2) Target calibration\n")
	b.WriteString("  3) Measure\n\n")
	b.WriteString(helpStyle.Render("Press 1/2/3 to start. Press d to disconnect.") + "\n")
	return b.String()
}

func viewRecord(rec calibration.Record) string {
	var b strings.Builder
	b.WriteString("Gain:  ")
	if rec.Gain.IsEmpty() {
		b.WriteString("not set")
	} else {
		for i, v := range rec.Gain.Values() {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(strconv.FormatFloat(float64(v), 'f', 3, 32))
		}
	}
	b.WriteString("\nTarget: ")
	if rec.Target.IsValid() {
		fmt.Fprintf(&b, "%.2fD @ %.4f, %.2fD @ %.4f", rec.Target.LoDensity, rec.Target.LoReading, rec.Target.HiDensity, rec.Target.HiReading)
	} else {
		b.WriteString("not set")
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) viewGain() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Gain calibration") + "\n\n")
	switch m.gainStatus {
	case statusIdle:
		b.WriteString("Close the probe on the reference surface.\n\n")
		b.WriteString(helpStyle.Render("Press Enter to start the sweep. Press b to go back.") + "\n")
	case statusRunning:
		fmt.Fprintf(&b, "Phase %s, level %d, light %d\n", m.gainProg.Phase, m.gainProg.Level, m.gainProg.Brightness)
		frac := 0.0
		if m.gainProg.PairsTotal > 0 {
			frac = float64(m.gainProg.PairsDone) / float64(m.gainProg.PairsTotal)
		}
		b.WriteString(m.gainBar.ViewAs(frac) + "\n\n")
		b.WriteString(helpStyle.Render("Press c to cancel.") + "\n")
	case statusDone:
		for i, v := range m.gainTable.Values() {
			fmt.Fprintf(&b, "  level %d: %s\n", i, valueStyle.Render(strconv.FormatFloat(float64(v), 'f', 4, 32)))
		}
		b.WriteString("\n")
		if m.saving {
			b.WriteString("Saving...\n")
		} else {
			b.WriteString(helpStyle.Render("Press s to save the table. Press b to go back.") + "\n")
		}
	default:
		b.WriteString(helpStyle.Render("Press Enter to retry. Press b to go back.") + "\n")
	}
	return b.String()
}

func (m model) viewTarget() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Target calibration") + "\n\n")
	b.WriteString("Low patch density:  " + m.loInput.View() + "\n")
	b.WriteString("High patch density: " + m.hiInput.View() + "\n\n")
	switch m.step {
	case stepLowPatch:
		b.WriteString("Place the LOW density patch and press Enter.\n")
	case stepHighPatch:
		fmt.Fprintf(&b, "Low patch reading %s\n", valueStyle.Render(strconv.FormatFloat(m.loReading, 'f', 5, 64)))
		b.WriteString("Place the HIGH density patch and press Enter.\n")
	case stepTargetReady:
		fmt.Fprintf(&b, "Low %.2fD reads %.5f, high %.2fD reads %.5f\n",
			m.target.LoDensity, m.target.LoReading, m.target.HiDensity, m.target.HiReading)
		if m.saving {
			b.WriteString("Saving...\n")
		} else {
			b.WriteString(helpStyle.Render("Press s to save the target, r to start over.") + "\n")
		}
		return b.String()
	}
	if m.targetProg.Phase == measure.TargetPhaseIgnoring || m.targetProg.Phase == measure.TargetPhaseAveraging {
		fmt.Fprintf(&b, "%s %d/%d\n", m.targetProg.Phase, m.targetProg.AvgDone, m.targetProg.AvgTarget)
	}
	b.WriteString(helpStyle.Render("Tab switches fields. Press b to go back.") + "\n")
	return b.String()
}

func (m model) viewMeasure() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Measure") + "\n\n")
	if m.measureStatus == statusRunning {
		fmt.Fprintf(&b, "%s %d/%d\n\n", m.targetProg.Phase, m.targetProg.AvgDone, m.targetProg.AvgTarget)
	}
	for i := len(m.results) - 1; i >= 0; i-- {
		r := m.results[i]
		density := "-"
		if !math.IsNaN(r.Density) {
			density = fmt.Sprintf("%.2fD", r.Density)
		}
		fmt.Fprintf(&b, "  %s  basic=%.5f gain=%d\n", valueStyle.Render(density), r.Basic, r.Gain)
	}
	b.WriteString("\n" + helpStyle.Render("Press Enter or space to measure. Press b to go back.") + "\n")
	return b.String()
}

func (m *model) disconnect() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.dev = nil
}

func (m model) updateEntryKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "enter":
		if m.dev == nil {
			return m, m.connectCmd(strings.TrimSpace(m.configInput.Value()))
		}
		return m, nil
	case "1":
		if m.dev == nil {
			break
		}
		m.scr = screenGain
		m.gainStatus = statusIdle
		m.gainProg = measure.GainUpdate{}
		return m, nil
	case "2":
		if m.dev == nil {
			break
		}
		m.scr = screenTarget
		m.step = stepLowPatch
		m.focusHi = false
		m.loInput.Focus()
		m.hiInput.Blur()
		return m, nil
	case "3":
		if m.dev == nil {
			break
		}
		m.scr = screenMeasure
		m.measureStatus = statusIdle
		return m, nil
	case "d":
		if m.dev == nil {
			break
		}
		m.disconnect()
		return m, func() tea.Msg { return disconnectedMsg{} }
	}

	var cmd tea.Cmd
	m.configInput, cmd = m.configInput.Update(k)
	return m, cmd
}

func (m model) back() (tea.Model, tea.Cmd) {
	m.scr = screenEntry
	m.targetProg = measure.TargetUpdate{}
	return m, m.call("cancel", func(p *probe.Probe) error {
		p.CancelOperation()
		return nil
	})
}

func (m model) updateGainKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.gainStatus = statusIdle
		return m.back()
	case "enter":
		if m.gainStatus == statusRunning || m.gainStatus == statusDone {
			return m, nil
		}
		m.gainStatus = statusRunning
		m.lastErr = nil
		return m, m.call("", (*probe.Probe).StartGainCalibration)
	case "c":
		if m.gainStatus != statusRunning {
			return m, nil
		}
		m.gainStatus = statusIdle
		return m, m.call("Gain calibration cancelled.", func(p *probe.Probe) error {
			p.CancelOperation()
			return nil
		})
	case "s":
		if m.gainStatus != statusDone || m.saving {
			return m, nil
		}
		m.saving = true
		return m, m.save(m.record.WithGain(m.gainTable))
	}
	return m, nil
}

func (m model) updateTargetKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		return m.back()
	case "tab", "shift+tab":
		m.focusHi = !m.focusHi
		if m.focusHi {
			m.loInput.Blur()
			m.hiInput.Focus()
		} else {
			m.hiInput.Blur()
			m.loInput.Focus()
		}
		return m, nil
	case "r":
		m.step = stepLowPatch
		return m, nil
	case "s":
		if m.step != stepTargetReady || m.saving {
			return m, nil
		}
		m.saving = true
		return m, m.save(m.record.WithTarget(m.target))
	case "enter":
		if m.step == stepTargetReady {
			return m, nil
		}
		if _, err := buildTarget(m.loInput.Value(), m.hiInput.Value(), 1, 0.1); err != nil {
			return m, func() tea.Msg { return errMsg{err: err} }
		}
		m.lastErr = nil
		return m, m.call("", (*probe.Probe).MeasureTarget)
	}
	return m.updateTargetInputs(k)
}

func (m model) updateTargetInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	if m.focusHi {
		m.hiInput, cmd = m.hiInput.Update(msg)
	} else {
		m.loInput, cmd = m.loInput.Update(msg)
	}
	return m, cmd
}

func (m model) updateMeasureKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.measureStatus = statusIdle
		return m.back()
	case "enter", " ":
		if m.measureStatus == statusRunning {
			return m, nil
		}
		m.measureStatus = statusRunning
		m.lastErr = nil
		return m, m.call("", (*probe.Probe).MeasureTarget)
	}
	return m, nil
}

func (m model) connectCmd(path string) tea.Cmd {
	log := m.log
	return func() tea.Msg {
		cfg := config.GetDefaultConfig()
		if path != "" {
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return errMsg{err: err}
			}
			cfg = loaded
		}
		ch := make(chan probe.Event, 128)
		onEvent := func(e probe.Event) {
			select {
			case ch <- e:
			default:
				log.WithField("type", e.Type).Debug("ui behind, event dropped")
			}
		}
		p, err := probe.Open(cfg.Probe.ProbeSettings(), log, onEvent)
		if err != nil {
			return errMsg{err: err}
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			defer close(ch)
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("probe loop ended")
			}
		}()
		return connectedMsg{dev: p, events: ch, cancel: cancel, configPath: path}
	}
}

func waitForEvent(ch chan probe.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return probeEventMsg{e: e}
	}
}

// call runs fn on the probe loop and reports its error, or info when set.
func (m model) call(info string, fn func(*probe.Probe) error) tea.Cmd {
	p := m.dev
	return func() tea.Msg {
		if p == nil {
			return errMsg{err: fmt.Errorf("not connected")}
		}
		errc := make(chan error, 1)
		if !p.Post(func(p *probe.Probe) { errc <- fn(p) }) {
			return errMsg{err: fmt.Errorf("probe loop stopped")}
		}
		select {
		case err := <-errc:
			if err != nil {
				return errMsg{err: err}
			}
		case <-time.After(2 * time.Second):
			return errMsg{err: fmt.Errorf("probe did not respond in time")}
		}
		if info == "" {
			return nil
		}
		return infoMsg{s: info}
	}
}

func (m model) save(rec calibration.Record) tea.Cmd {
	return m.call("Writing calibration...", func(p *probe.Probe) error { return p.SaveCalibration(rec) })
}

func main() {
	log := logrus.New()
	// Logs would tear the alternate screen; keep them in a file.
	if f, err := os.OpenFile("densui.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	} else {
		log.SetLevel(logrus.PanicLevel)
	}

	p := tea.NewProgram(initialModel(log), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
