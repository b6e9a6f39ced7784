package training

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-lftnet/checkpoints"
)

// StartupConfig selects how a model is initialised before the first epoch.
// ResumeDir takes precedence over WarmupDir; both empty means a fresh start.
type StartupConfig struct {
	StartEpoch  int
	ResumeDir   string // checkpoint directory of the run to resume
	ResumeEpoch int    // periodic file number to resume from, -1 for the latest
	WarmupDir   string // checkpoint directory of a pre-trained run
}

// InitModelState resumes or warm-starts model and returns the epoch the run
// starts at.
func InitModelState(model Model, cm *CheckpointManager, config StartupConfig, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case config.ResumeDir != "":
		return resume(model, cm, config, logger)
	case config.WarmupDir != "":
		if err := warmUp(model, cm, config.WarmupDir, logger); err != nil {
			return 0, err
		}
	}
	return config.StartEpoch, nil
}

func resume(model Model, cm *CheckpointManager, config StartupConfig, logger *slog.Logger) (int, error) {
	path, err := checkpoints.ResumeFile(config.ResumeDir, config.ResumeEpoch)
	if err != nil {
		return 0, err
	}
	record, err := cm.Resume(path)
	if err != nil {
		return 0, err
	}

	start, err := model.Resume(record)
	if err != nil {
		return 0, fmt.Errorf("failed to resume from %s: %w", path, err)
	}

	logger.Info("resumed", "path", path, "checkpoint_epoch", record.Epoch, "start_epoch", start)
	logger.Warn("best accuracy is not restored on resume; the first validated epoch will overwrite the best checkpoint",
		"best", cm.BestPath())
	return start, nil
}

func warmUp(model Model, cm *CheckpointManager, dir string, logger *slog.Logger) error {
	path, err := checkpoints.ResumeFile(dir, -1)
	if err != nil {
		return err
	}

	var record *checkpoints.Record
	if path != "" {
		if record, err = cm.Load(path); err != nil {
			return err
		}
	}

	state, adapted, err := checkpoints.AdaptWarmUpState(record)
	if err != nil {
		return err
	}
	loaded, err := model.LoadFeatureState(state)
	if err != nil {
		return fmt.Errorf("failed to warm up from %s: %w", path, err)
	}

	logger.Info("warmed up feature extractor", "path", path,
		"applied", len(loaded.Applied), "dropped", len(adapted.Dropped),
		"unexpected", len(loaded.Unexpected), "missing", len(loaded.Missing))
	if len(loaded.Unexpected) > 0 {
		logger.Debug("warm-up keys ignored by the model", "keys", loaded.Unexpected)
	}
	return nil
}
