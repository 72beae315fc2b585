package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_frames_decoded_total",
		Help: "Total number of frames decoded, by container kind",
	}, []string{"kind"})

	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_decode_errors_total",
		Help: "Total number of decode errors, by source (file or stream)",
	}, []string{"source"})

	CSVRowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_csv_rows_written_total",
		Help: "Total number of CSV rows written, by layout",
	}, []string{"layout"})

	FilesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tir_files_written_total",
		Help: "Total number of output files written",
	})

	FilesUploadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_files_uploaded_total",
		Help: "Total number of files uploaded to object storage, by status",
	}, []string{"status"})

	ZoneStatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_zone_stats_total",
		Help: "Total number of zone statistics computed, by status",
	}, []string{"status"})

	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tir_frame_processing_duration_seconds",
		Help:    "Time spent on one frame, by stage",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"stage"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tir_active_workers",
		Help: "Number of frame workers currently running",
	})

	StatsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tir_stats_published_total",
		Help: "Total number of zone statistics published, by sink and status",
	}, []string{"sink", "status"})
)
