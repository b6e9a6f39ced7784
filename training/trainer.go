package training

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Metric names reported to the MetricsSink.
const (
	MetricValAccuracy        = "val_acc"
	MetricMaxAccuracy        = "max_acc"
	MetricIterations         = "total_it"
	MetricBestCheckpoints    = "best_checkpoints"
	MetricPeriodicCheckpoint = "periodic_checkpoints"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	DataDir  string       // Root of the per-domain filelists
	TrainAug bool         // Augment pseudo-seen and pseudo-unseen episodes
	SaveFreq int          // Periodic checkpoint every N epochs; the last epoch is always saved
	Logger   *slog.Logger // nil means slog.Default()
	Sink     MetricsSink  // nil means NopSink
}

// EpochMetrics holds the outcome of a single epoch
type EpochMetrics struct {
	Epoch         int
	PseudoSeen    string
	PseudoUnseen  []string
	Iterations    int // global iteration count after the epoch
	ValAccuracy   float64
	MaxAccuracy   float64
	SavedBest     bool
	SavedPeriodic bool
	EpochDuration time.Duration
}

// Trainer runs the epoch loop: split the domains, meta-train on the split,
// validate, then decide what to persist.
type Trainer struct {
	model       Model
	sampler     *DomainSampler
	loaders     LoaderFactory
	valLoader   EpisodeLoader
	checkpoints *CheckpointManager
	config      TrainingConfig
	logger      *slog.Logger
	sink        MetricsSink
	metrics     []EpochMetrics
}

// NewTrainer creates a new Trainer
func NewTrainer(model Model, sampler *DomainSampler, loaders LoaderFactory, valLoader EpisodeLoader,
	cm *CheckpointManager, config TrainingConfig) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sink MetricsSink = NopSink{}
	if config.Sink != nil {
		sink = config.Sink
	}
	return &Trainer{
		model:       model,
		sampler:     sampler,
		loaders:     loaders,
		valLoader:   valLoader,
		checkpoints: cm,
		config:      config,
		logger:      logger,
		sink:        sink,
		metrics:     make([]EpochMetrics, 0),
	}
}

// Train runs epochs start through stop-1. The best accuracy seen starts at
// zero on every call. The first error aborts the run.
func (t *Trainer) Train(start, stop int) error {
	if start < 0 || stop < start {
		return fmt.Errorf("invalid epoch range [%d, %d)", start, stop)
	}
	if err := t.checkpoints.EnsureDirectory(); err != nil {
		return err
	}

	t.logger.Info("starting training", "start_epoch", start, "stop_epoch", stop,
		"domains", t.sampler.Pool(), "checkpoint_dir", t.checkpoints.Directory())

	maxAcc := 0.0
	totalIt := 0
	for epoch := start; epoch < stop; epoch++ {
		epochStart := time.Now()

		split := t.sampler.Sample()
		m := EpochMetrics{
			Epoch:        epoch,
			PseudoSeen:   split.PseudoSeen,
			PseudoUnseen: split.PseudoUnseen,
		}

		var err error
		totalIt, err = t.trainEpoch(epoch, split, totalIt)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		m.Iterations = totalIt

		t.model.Eval()
		t.valLoader.Reset()
		acc, err := t.model.Test(t.valLoader)
		if err != nil {
			return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}
		m.ValAccuracy = acc

		if acc > maxAcc {
			t.logger.Info("best model, saving", "epoch", epoch, "acc", acc, "previous", maxAcc)
			maxAcc = acc
			if err := t.checkpoints.SaveBest(epoch, t.model); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			m.SavedBest = true
			t.sink.Inc(MetricBestCheckpoints)
		} else {
			t.logger.Info("best accuracy", "epoch", epoch, "max_acc", maxAcc)
		}
		m.MaxAccuracy = maxAcc

		if periodicDue(epoch, stop, t.config.SaveFreq) {
			if err := t.checkpoints.SavePeriodic(epoch, t.model); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			m.SavedPeriodic = true
			t.sink.Inc(MetricPeriodicCheckpoint)
		}

		m.EpochDuration = time.Since(epochStart)
		t.metrics = append(t.metrics, m)
		t.record(m)
	}

	return nil
}

// trainEpoch builds the epoch's loaders from the split and meta-trains on
// them.
func (t *Trainer) trainEpoch(epoch int, split EpochSplit, totalIt int) (int, error) {
	ps, err := t.loaders.Loader([]string{t.baseFile(split.PseudoSeen)}, t.config.TrainAug)
	if err != nil {
		return totalIt, fmt.Errorf("pseudo-seen loader for %s: %w", split.PseudoSeen, err)
	}

	puPaths := make([]string, len(split.PseudoUnseen))
	for i, domain := range split.PseudoUnseen {
		puPaths[i] = t.baseFile(domain)
	}
	pu, err := t.loaders.Loader(puPaths, t.config.TrainAug)
	if err != nil {
		return totalIt, fmt.Errorf("pseudo-unseen loader for %v: %w", split.PseudoUnseen, err)
	}

	t.logger.Debug("epoch split", "epoch", epoch, "pseudo_seen", split.PseudoSeen,
		"pseudo_unseen", split.PseudoUnseen)

	t.model.Train()
	return t.model.TrainAll(epoch, ps, pu, totalIt)
}

func (t *Trainer) baseFile(domain string) string {
	return filepath.Join(t.config.DataDir, domain, "base.json")
}

// record logs the epoch summary and hands it to the sink
func (t *Trainer) record(m EpochMetrics) {
	t.logger.Info("epoch complete",
		"epoch", m.Epoch,
		"pseudo_seen", m.PseudoSeen,
		"pseudo_unseen", m.PseudoUnseen,
		"val_acc", m.ValAccuracy,
		"max_acc", m.MaxAccuracy,
		"total_it", m.Iterations,
		"duration", m.EpochDuration)

	t.sink.Scalar(MetricValAccuracy, m.ValAccuracy, m.Epoch)
	t.sink.Scalar(MetricMaxAccuracy, m.MaxAccuracy, m.Epoch)
	t.sink.Scalar(MetricIterations, float64(m.Iterations), m.Epoch)
	if err := t.sink.Flush(); err != nil {
		t.logger.Warn("failed to flush metrics", "epoch", m.Epoch, "error", err)
	}
}

// GetMetrics returns the metrics of every completed epoch
func (t *Trainer) GetMetrics() []EpochMetrics {
	return t.metrics
}
