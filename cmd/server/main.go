package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
	"github.com/dektronics/densitometer-desktop-sub000/internal/monitor"
	"github.com/dektronics/densitometer-desktop-sub000/internal/publish"
	"github.com/dektronics/densitometer-desktop-sub000/internal/server"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "config.yaml", "path to the YAML config")
		addr        = flag.String("addr", "", "http listen address (overrides config)")
		web         = flag.String("web", "", "path to a web root served at /")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("densitometer server %s (build %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v, using defaults\n", err)
		cfg = config.GetDefaultConfig()
		// Detected ports are only written back to a file that loaded.
		*configFile = ""
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := config.SetupLogger(cfg.Log)
	log.WithField("version", Version).Info("densitometer server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configFile, *web, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, configFile, web string, log *logrus.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	bus := events.New(ctx, 256, log)

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.NewMonitor(log)
		mon.StartRuntimeMonitor(ctx, cfg.Monitor.RuntimeInterval)
	}

	var sinks []publish.Sink
	var history server.HistoryReader
	if cfg.MQTT.Enabled {
		s, err := publish.NewMQTTSink(cfg.MQTT, log)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Enabled {
		s, err := publish.NewRedisSink(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
		history = s
	}
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()
	if len(sinks) > 0 {
		sub := bus.Subscribe(events.TopicReadings)
		g.Go(func() error {
			publish.Forward(ctx, sub, log, sinks...)
			return nil
		})
	}

	srv := server.New(server.Options{
		Log:     log,
		Bus:     bus,
		Monitor: mon,
		History: history,
		Serial:  cfg.Serial,
		Probe:   cfg.Probe,
		WebDir:  web,
	})
	g.Go(func() error { return srv.Run(ctx) })

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	g.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("serving http")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.Serial.Enabled {
		if _, err := config.EnsureSerialPort(configFile, cfg, true); err != nil {
			log.WithError(err).Warn("serial port not found")
		} else if _, err := srv.ConnectSerial(cfg.Serial.Port, cfg.Serial.Device); err != nil {
			log.WithError(err).Warn("serial connect failed")
		}
	}
	if cfg.Probe.Enabled {
		if _, err := srv.ConnectProbe(); err != nil {
			log.WithError(err).Warn("probe connect failed")
		}
	}

	return g.Wait()
}
