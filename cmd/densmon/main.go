// Command densmon streams readings from a densitometer to the console.
// Single keys drive the device while it runs: m measures, g runs a gain
// calibration, s toggles the sensor, +/- step the light, w saves the last
// gain table and q quits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/ui"
)

var errQuit = errors.New("quit")

type options struct {
	cfg      *config.Config
	cfgPath  string
	useProbe bool
	extended bool
	jsonOut  bool
}

func main() {
	var (
		configFile = flag.String("config", "", "path to the YAML config")
		port       = flag.String("port", "", "serial port (auto-detected when empty)")
		device     = flag.String("device", "", "serial device family: vis or uvvis")
		useProbe   = flag.Bool("probe", false, "use the USB sensor probe instead of the serial port")
		extended   = flag.Bool("ext", false, "request extended measurement lines")
		jsonOut    = flag.Bool("json", false, "print events as JSON lines")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	cfg := config.GetDefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if cfg.Log.Output == "stdout" {
		// stdout carries the readings
		cfg.Log.Output = "stderr"
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	log := config.SetupLogger(cfg.Log)

	out := ui.Printer{W: os.Stdout, Color: !*jsonOut && isatty.IsTerminal(os.Stdout.Fd()), Debug: *debug}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{cfg: cfg, cfgPath: *configFile, useProbe: *useProbe, extended: *extended, jsonOut: *jsonOut}
	if err := run(ctx, opts, log, out); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		out.Errorf("%v\n", err)
		os.Exit(1)
	}
}

// device is the control surface shared by the serial and probe monitors.
type device interface {
	Run(ctx context.Context) error
	Handle(a ui.Action) error
	Close()
}

func run(ctx context.Context, opts options, log *logrus.Logger, out ui.Printer) error {
	msgs := make(chan events.Message, 256)
	emit := func(m events.Message) {
		if m.Time.IsZero() {
			m.Time = time.Now()
		}
		select {
		case msgs <- m:
		default:
			log.WithField("type", m.Type).Debug("console behind, event dropped")
		}
	}

	var (
		dev device
		err error
	)
	if opts.useProbe {
		dev, err = openProbe(opts, log, emit)
	} else {
		dev, err = openSerial(opts, log, emit)
	}
	if err != nil {
		return err
	}
	defer dev.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m := <-msgs:
				printMessage(out, m, opts.jsonOut)
			}
		}
	})
	g.Go(func() error {
		keys := ui.StartKeyEvents(ctx)
		ui.DrainKeys(keys)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case k, ok := <-keys:
				if !ok {
					// No terminal; keep streaming until interrupted.
					<-ctx.Done()
					return ctx.Err()
				}
				a := ui.ActionForKey(k)
				if a == ui.ActionQuit {
					return errQuit
				}
				if a == ui.ActionNone {
					continue
				}
				if err := dev.Handle(a); err != nil {
					out.Warnf("%v\n", err)
				}
			}
		}
	})
	return g.Wait()
}

func printMessage(out ui.Printer, m events.Message, jsonOut bool) {
	if jsonOut {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		out.Printf("%s\n", b)
		return
	}
	ts := m.Time.Format("15:04:05.000")
	switch d := m.Data.(type) {
	case events.Reading:
		if d.Density == nil {
			out.Warnf("%s %-16s  no target (basic %s)\n", ts, d.Mode, formatOptional(d.Basic))
			return
		}
		out.Greenf("%s %-16s %7.2fD\n", ts, d.Mode, *d.Density)
	case events.Error:
		out.Errorf("%s %s: %s\n", ts, m.Type, d.Error)
	case events.LogLine:
		out.Debugf("%s device [%s] %s\n", ts, d.Level, d.Text)
	case events.SensorReading:
		out.Debugf("%s %s gain=%d count=%d basic=%s\n", ts, d.Status, d.Gain, d.RawCount, formatOptional(d.Basic))
	case nil:
		out.Printf("%s %s\n", ts, m.Type)
	default:
		b, _ := json.Marshal(d)
		out.Printf("%s %s %s\n", ts, m.Type, b)
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.5f", *v)
}
