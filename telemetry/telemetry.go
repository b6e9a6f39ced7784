// Package telemetry records run metrics in the Prometheus textfile format and
// writes the run manifest.
package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const (
	namespace = "lftnet"

	// MetricsFile is written into the log directory on every Flush.
	MetricsFile = "metrics.prom"
	// ManifestFile holds the resolved options of a run.
	ManifestFile = "params.yaml"
)

// Sink collects scalars and event counts for a single run. Metrics carry the
// run id as a constant label so textfiles of several runs can be collected
// side by side.
type Sink struct {
	dir      string
	runID    string
	logger   *slog.Logger
	registry *prometheus.Registry

	scalars  *prometheus.GaugeVec
	steps    *prometheus.GaugeVec
	events   *prometheus.CounterVec
	eventTimes *prometheus.GaugeVec
}

// New creates a sink writing into dir. An empty runID gets a random one.
func New(dir, runID string, logger *slog.Logger) (*Sink, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	labels := prometheus.Labels{"run": runID}
	s := &Sink{
		dir:      dir,
		runID:    runID,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		scalars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scalar",
			Help:        "Last value reported for a named scalar",
			ConstLabels: labels,
		}, []string{"name"}),
		steps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scalar_step",
			Help:        "Step (epoch or iteration) of the last reported value",
			ConstLabels: labels,
		}, []string{"name"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Number of times a named event happened",
			ConstLabels: labels,
		}, []string{"name"}),
		eventTimes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "event_timestamp_seconds",
			Help:        "Unix time of the last occurrence of a named event",
			ConstLabels: labels,
		}, []string{"name"}),
	}

	for _, c := range []prometheus.Collector{s.scalars, s.steps, s.events, s.eventTimes} {
		if err := s.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return s, nil
}

// RunID identifies the run in every metric and in the manifest.
func (s *Sink) RunID() string {
	return s.runID
}

// Scalar records value as the latest value of name at step.
func (s *Sink) Scalar(name string, value float64, step int) {
	s.scalars.WithLabelValues(name).Set(value)
	s.steps.WithLabelValues(name).Set(float64(step))
}

// Inc counts one occurrence of the event name.
func (s *Sink) Inc(name string) {
	s.events.WithLabelValues(name).Inc()
	s.eventTimes.WithLabelValues(name).SetToCurrentTime()
}

// WatchCache exposes image cache counters, read on every Flush.
func (s *Sink) WatchCache(stats func() (hits, misses int64)) error {
	for _, c := range []struct {
		name string
		pick func(h, m int64) int64
	}{
		{"image_cache_hits_total", func(h, _ int64) int64 { return h }},
		{"image_cache_misses_total", func(_, m int64) int64 { return m }},
	} {
		pick := c.pick
		counter := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        c.name,
			Help:        "Decoded image cache lookups",
			ConstLabels: prometheus.Labels{"run": s.runID},
		}, func() float64 {
			return float64(pick(stats()))
		})
		if err := s.registry.Register(counter); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}
	return nil
}

// Path is the metrics textfile.
func (s *Sink) Path() string {
	return filepath.Join(s.dir, MetricsFile)
}

// Flush rewrites the metrics textfile.
func (s *Sink) Flush() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(s.Path(), s.registry); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path(), err)
	}
	s.logger.Debug("metrics flushed", "path", s.Path())
	return nil
}

// Manifest is the content of params.yaml.
type Manifest struct {
	RunID     string    `yaml:"run_id"`
	StartedAt time.Time `yaml:"started_at"`
	Options   any       `yaml:"options"`
}

// WriteManifest writes the manifest of a run into dir.
func WriteManifest(dir string, m Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}
