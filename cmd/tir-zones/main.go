package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/analysis"
	"github.com/felixriese/thermal-image-processing/internal/config"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/processing"
	"github.com/felixriese/thermal-image-processing/internal/publish"
	"github.com/felixriese/thermal-image-processing/internal/server"
	"github.com/felixriese/thermal-image-processing/internal/types"
	"github.com/felixriese/thermal-image-processing/internal/zones"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		zonesPath  = flag.String("zones", "", "YAML zone definitions applied to every input")
		positions  = flag.String("positions", "", "Whitespace separated zone ranges per measurement date")
		outPath    = flag.String("out", "", "Statistics table (default ir_zones_<timestamp>.csv)")
		wide       = flag.Bool("wide", false, "Write one row per frame with ir_<zone>_<stat> columns")
		port       = flag.Int("port", 0, "Serve run status and live statistics on this port")
		keepAlive  = flag.Bool("keep-serving", false, "Keep the status server running after the analysis")
		mqttBroker = flag.String("mqtt", "", "Publish statistics to this MQTT broker, e.g. tcp://localhost:1883")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <csv file or folder>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		exit(nil, err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "zones":
			cfg.Zones = *zonesPath
		case "positions":
			cfg.Positions = *positions
		case "wide":
			cfg.Wide = *wide
		case "port":
			cfg.Server.Port = *port
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		exit(nil, err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		exit(nil, err)
	}
	defer logger.Sync()

	if flag.NArg() == 0 {
		flag.Usage()
		exit(logger, errors.New("no input files"))
	}

	opts := analysis.Options{
		Inputs: flag.Args(),
		Output: *outPath,
		Wide:   cfg.Wide,
	}
	if opts.Output == "" {
		opts.Output = fmt.Sprintf("ir_zones_%s.csv", processing.Timestamp())
	}
	switch {
	case cfg.Zones != "":
		defs, err := zones.Load(cfg.Zones)
		if err != nil {
			exit(logger, err)
		}
		opts.Zones = defs
	case cfg.Positions != "":
		pos, err := zones.LoadPositions(cfg.Positions)
		if err != nil {
			exit(logger, err)
		}
		opts.Positions = pos
	default:
		exit(logger, types.NewValidationError("", -1, "use -zones or -positions"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MQTT.Broker != "" {
		pub := publish.NewMQTTPublisher(publish.Config(cfg.MQTT), logger)
		if err := pub.Connect(); err != nil {
			exit(logger, err)
		}
		defer pub.Close()
		opts.Sinks = append(opts.Sinks, pub)
	}

	serverDone := make(chan error, 1)
	if cfg.Server.Port > 0 {
		tracker := analysis.NewTracker(64)
		opts.Tracker = tracker
		srv := server.New(tracker, logger)
		go func() {
			serverDone <- srv.Run(ctx, cfg.Server.Port, throttle(ctx, tracker.Messages(), cfg.Server.UIRate))
		}()
	} else {
		close(serverDone)
	}

	res, err := analysis.Run(ctx, opts, logger)
	if opts.Tracker != nil {
		opts.Tracker.Close()
	}
	if err != nil {
		exit(logger, err)
	}
	logger.Info("zone analysis finished",
		zap.Int("files", res.Files),
		zap.Int("frames", res.Frames),
		zap.Int("zones", len(res.Zones)),
		zap.String("output", res.Output))

	if cfg.Server.Port > 0 {
		if *keepAlive {
			logger.Info("status server keeps running, interrupt to stop")
			<-ctx.Done()
		} else {
			stop()
		}
		if err := <-serverDone; err != nil {
			exit(logger, err)
		}
	}
}

// throttle forwards statistics messages at most once per every. Other
// messages pass unchanged.
func throttle(ctx context.Context, in <-chan any, every time.Duration) <-chan any {
	out := make(chan any, cap(in))
	go func() {
		defer close(out)
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if _, isStats := msg.(*analysis.StatsMessage); isStats {
					if time.Since(last) < every {
						continue
					}
					last = time.Now()
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func exit(logger *zap.Logger, err error) {
	if logger != nil {
		logger.Error("zone analysis failed", zap.Error(err))
		_ = logger.Sync()
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(types.ExitCode(err))
}
