// Package simulator produces synthetic thermal recordings: a warm Gaussian
// spot on a uniform background with sensor noise, as raw counts.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

type Scene struct {
	Width   int
	Height  int
	Ambient float64 // °C
	Hotspot float64 // °C above ambient at the spot centre
	Noise   float64 // standard deviation in °C
	// Drift moves the spot this many pixels to the right per frame.
	Drift       float64
	Calibration types.Calibration
	Seed        int64
}

func DefaultScene(width, height int) Scene {
	return Scene{
		Width:       width,
		Height:      height,
		Ambient:     20,
		Hotspot:     15,
		Noise:       0.1,
		Calibration: types.TLinearHighGain,
		Seed:        1,
	}
}

// Generator renders successive frames of a scene.
type Generator struct {
	scene Scene
	rng   *rand.Rand
	base  []float64
}

func NewGenerator(scene Scene) *Generator {
	return &Generator{scene: scene, rng: rand.New(rand.NewSource(scene.Seed))}
}

// Counts returns the raw counts of frame index.
func (g *Generator) Counts(index int) []uint16 {
	s := g.scene
	total := s.Width * s.Height
	if g.base == nil {
		g.base = make([]float64, total)
	}
	centerX := float64(s.Width)/2.0 + s.Drift*float64(index)
	centerY := float64(s.Height) / 2.0
	spread := float64(s.Width*s.Height) / 20
	for i := 0; i < total; i++ {
		dx := float64(i%s.Width) - centerX
		dy := float64(i/s.Width) - centerY
		g.base[i] = s.Ambient + s.Hotspot*math.Exp(-(dx*dx+dy*dy)/spread)
	}

	out := make([]uint16, total)
	for i, celsius := range g.base {
		if s.Noise > 0 {
			celsius += g.rng.NormFloat64() * s.Noise
		}
		raw := math.Round((celsius - s.Calibration.Offset) / s.Calibration.Gain)
		out[i] = uint16(math.Max(0, math.Min(math.MaxUint16, raw)))
	}
	return out
}

// Header describes a recording of the scene.
func (g *Generator) Header(kind types.ContainerKind, frames int, rate float64, start time.Time) types.Header {
	h := types.Header{
		Kind:        kind,
		Width:       g.scene.Width,
		Height:      g.scene.Height,
		FrameCount:  frames,
		FrameRate:   rate,
		Calibration: g.scene.Calibration,
		Start:       start,
	}
	if rate > 0 {
		h.Interval = 1 / rate
	}
	return h
}

// WriteMovie writes frames at rate Hz starting at start.
func WriteMovie(path string, scene Scene, frames int, rate float64, start time.Time) error {
	g := NewGenerator(scene)
	w, err := container.CreateMovie(path, g.Header(types.KindMovie, frames, rate, start))
	if err != nil {
		return err
	}
	for i := 0; i < frames; i++ {
		if err := w.WriteFrame(time.Time{}, g.Counts(i)); err != nil {
			_ = w.Close()
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return w.Close()
}

// WriteTimelapse writes one image per timestamp.
func WriteTimelapse(path string, scene Scene, seriesID int, stamps []time.Time) error {
	g := NewGenerator(scene)
	h := g.Header(types.KindTimelapse, len(stamps), 0, time.Time{})
	h.SeriesID = seriesID
	if len(stamps) > 0 {
		h.Start = stamps[0]
	}
	w, err := container.CreateTimelapse(path, h)
	if err != nil {
		return err
	}
	for i, ts := range stamps {
		if err := w.WriteFrame(types.RawFrame{Timestamp: ts, Counts: g.Counts(i)}); err != nil {
			_ = w.Close()
			return fmt.Errorf("image %d: %w", i, err)
		}
	}
	return w.Close()
}

// Stream emits the encoded records of one timelapse series, one image per
// interval, stamped with the wall clock.
func Stream(ctx context.Context, scene Scene, seriesID, images int, interval time.Duration) (<-chan []byte, error) {
	g := NewGenerator(scene)
	h := g.Header(types.KindTimelapse, images, 0, time.Now().UTC())
	h.SeriesID = seriesID
	h.Interval = interval.Seconds()
	start, err := container.EncodeStart(h)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		send := func(msg []byte) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- msg:
				return true
			}
		}
		if !send(start) {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for imageID := 0; imageID < images; imageID++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			msg, err := container.EncodeImage(seriesID, types.RawFrame{
				Index:     imageID,
				Timestamp: time.Now().UTC(),
				Width:     scene.Width,
				Height:    scene.Height,
				Counts:    g.Counts(imageID),
			})
			if err != nil || !send(msg) {
				return
			}
		}
		end, err := container.EncodeEnd(seriesID)
		if err == nil {
			send(end)
		}
	}()
	return out, nil
}

// Push binds a PUSH socket on endpoint and forwards messages until the channel
// closes or ctx is done. It returns the number of messages sent.
func Push(ctx context.Context, endpoint string, messages <-chan []byte) (int, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return 0, err
	}
	defer socket.Close()
	if err := socket.SetLinger(time.Second); err != nil {
		return 0, err
	}
	if err := socket.Bind(endpoint); err != nil {
		return 0, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return sent, nil
			}
			if _, err := socket.SendBytes(msg, 0); err != nil {
				return sent, err
			}
			sent++
		}
	}
}
