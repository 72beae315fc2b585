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

	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/simulator"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

func main() {
	var (
		kind     = flag.String("kind", "movie", "Container to write: movie or timelapse")
		outPath  = flag.String("out", "", "Output container path")
		endpoint = flag.String("endpoint", "", "Stream a live timelapse series on this ZeroMQ endpoint instead, e.g. tcp://*:31001")
		width    = flag.Int("width", 640, "Frame width")
		height   = flag.Int("height", 512, "Frame height")
		frames   = flag.Int("frames", 100, "Number of frames")
		rate     = flag.Float64("rate", 9, "Movie frame rate in Hz")
		interval = flag.Duration("interval", time.Minute, "Timelapse interval between images")
		seriesID = flag.Int("series-id", 1, "Timelapse series id")
		drift    = flag.Float64("drift", 0, "Hotspot drift in pixels per frame")
		seed     = flag.Int64("seed", 1, "Noise seed")
		logLevel = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	scene := simulator.DefaultScene(*width, *height)
	scene.Drift = *drift
	scene.Seed = *seed

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *endpoint != "" {
		messages, err := simulator.Stream(ctx, scene, *seriesID, *frames, *interval)
		if err != nil {
			exit(logger, err)
		}
		logger.Info("streaming series", zap.String("endpoint", *endpoint), zap.Int("images", *frames), zap.Duration("interval", *interval))
		sent, err := simulator.Push(ctx, *endpoint, messages)
		if err != nil && !errors.Is(err, context.Canceled) {
			exit(logger, err)
		}
		logger.Info("stream finished", zap.Int("messages", sent))
		return
	}

	if *outPath == "" {
		exit(logger, errors.New("missing -out or -endpoint"))
	}
	start := time.Now().UTC().Truncate(time.Second)
	switch types.ContainerKind(*kind) {
	case types.KindMovie:
		err = simulator.WriteMovie(*outPath, scene, *frames, *rate, start)
	case types.KindTimelapse:
		stamps := make([]time.Time, *frames)
		for i := range stamps {
			stamps[i] = start.Add(time.Duration(i) * *interval)
		}
		err = simulator.WriteTimelapse(*outPath, scene, *seriesID, stamps)
	default:
		err = fmt.Errorf("unknown kind %q, use movie or timelapse", *kind)
	}
	if err != nil {
		exit(logger, err)
	}
	logger.Info("container written", zap.String("path", *outPath), zap.String("kind", *kind), zap.Int("frames", *frames))
}

func exit(logger *zap.Logger, err error) {
	logger.Error("simulation failed", zap.Error(err))
	_ = logger.Sync()
	os.Exit(types.ExitCode(err))
}
