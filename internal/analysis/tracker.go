package analysis

import (
	"sync"
	"time"

	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/publish"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Message types sent to status server clients.
const (
	TypeConfig   = "config"
	TypeStats    = "stats"
	TypeSnapshot = "snapshot"
	TypeStatus   = "status"
)

// StatsMessage is broadcast to status server clients after every frame.
type StatsMessage struct {
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	FrameIndex int               `json:"frame_index"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Stats      []publish.Payload `json:"stats"`
}

// ForZones returns a copy that keeps only the statistics of the named zones.
func (m StatsMessage) ForZones(zones map[string]bool) StatsMessage {
	out := m
	out.Stats = make([]publish.Payload, 0, len(m.Stats))
	for _, stat := range m.Stats {
		if zones[stat.Zone] {
			out.Stats = append(out.Stats, stat)
		}
	}
	return out
}

// ConfigMessage announces the zones of the run.
type ConfigMessage struct {
	Type  string   `json:"type"`
	Zones []string `json:"zones"`
}

type StatusMessage struct {
	Type       string  `json:"type"`
	FilesTotal int     `json:"files_total"`
	FilesDone  int     `json:"files_done"`
	Frames     int     `json:"frames"`
	Current    string  `json:"current"`
	Started    string  `json:"started,omitempty"`
	ElapsedS   float64 `json:"elapsed_s,omitempty"`
}

// Tracker keeps the progress of a run for the status server and forwards
// per-frame statistics to Messages. Slow readers miss messages rather than
// stall the analysis.
type Tracker struct {
	mu         sync.Mutex
	started    time.Time
	filesTotal int
	filesDone  int
	frames     int
	current    string
	zones      []string
	last       *StatsMessage

	messages chan any
}

func NewTracker(buffer int) *Tracker {
	return &Tracker{messages: make(chan any, buffer)}
}

// Messages carries *StatsMessage and ConfigMessage values.
func (t *Tracker) Messages() <-chan any { return t.messages }

func (t *Tracker) begin(files int) {
	t.mu.Lock()
	t.started = time.Now()
	t.filesTotal = files
	t.mu.Unlock()
}

func (t *Tracker) setZones(zones []string) {
	t.mu.Lock()
	t.zones = append([]string(nil), zones...)
	t.mu.Unlock()
	select {
	case t.messages <- t.Config():
	default:
	}
}

func (t *Tracker) observe(source string, frame types.Frame, stats []types.ZoneStat) {
	msg := &StatsMessage{
		Type:       TypeStats,
		Source:     source,
		FrameIndex: frame.Index,
		Timestamp:  output.FormatTimestamp(frame.Timestamp),
		Stats:      make([]publish.Payload, len(stats)),
	}
	for i, stat := range stats {
		msg.Stats[i] = publish.NewPayload(stat)
	}
	t.mu.Lock()
	t.frames++
	t.current = source
	t.last = msg
	t.mu.Unlock()
	select {
	case t.messages <- msg:
	default:
	}
}

func (t *Tracker) fileDone() {
	t.mu.Lock()
	t.filesDone++
	t.mu.Unlock()
}

// Close ends the message stream.
func (t *Tracker) Close() {
	close(t.messages)
}

func (t *Tracker) Status() StatusMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := StatusMessage{
		Type:       TypeStatus,
		FilesTotal: t.filesTotal,
		FilesDone:  t.filesDone,
		Frames:     t.frames,
		Current:    t.current,
	}
	if !t.started.IsZero() {
		status.Started = t.started.UTC().Format(time.RFC3339)
		status.ElapsedS = time.Since(t.started).Seconds()
	}
	return status
}

// Snapshot returns the statistics of the latest frame. ok is false before
// the first frame.
func (t *Tracker) Snapshot() (snap StatsMessage, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return StatsMessage{}, false
	}
	snap = *t.last
	snap.Type = TypeSnapshot
	return snap, true
}

func (t *Tracker) Config() ConfigMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConfigMessage{Type: TypeConfig, Zones: append([]string(nil), t.zones...)}
}
