package training

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tsawler/go-lftnet/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // <save_dir>/checkpoints/<name>
	Format          checkpoints.CheckpointFormat // JSON or protobuf
	BestFilename    string                       // Overwritten on every improvement
	FilenamePattern string                       // Periodic filenames, formatted with epoch+1
}

// DefaultCheckpointConfig returns the layout used when nothing is configured
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   filepath.Join("output", "checkpoints", "tmp"),
		Format:          checkpoints.FormatJSON,
		BestFilename:    checkpoints.BestFilename,
		FilenamePattern: "%d.tar",
	}
}

// CheckpointManager owns the checkpoint directory of one run: the best
// checkpoint, the periodic ones, and loading either back.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	logger     *slog.Logger
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, logger *slog.Logger) *CheckpointManager {
	defaults := DefaultCheckpointConfig()
	if config.SaveDirectory == "" {
		config.SaveDirectory = defaults.SaveDirectory
	}
	if config.BestFilename == "" {
		config.BestFilename = defaults.BestFilename
	}
	if config.FilenamePattern == "" {
		config.FilenamePattern = defaults.FilenamePattern
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger,
	}
}

// Directory returns the checkpoint directory
func (cm *CheckpointManager) Directory() string {
	return cm.config.SaveDirectory
}

// EnsureDirectory creates the checkpoint directory if needed. It is safe to
// call repeatedly.
func (cm *CheckpointManager) EnsureDirectory() error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return &checkpoints.PersistenceError{Op: "create directory for", Path: cm.config.SaveDirectory, Err: err}
	}
	return nil
}

// BestPath is the path of the best checkpoint
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, cm.config.BestFilename)
}

// PeriodicPath is the path of the periodic checkpoint written after epoch.
// Files are numbered by completed epochs, so epoch 4 is written to "5.tar".
func (cm *CheckpointManager) PeriodicPath(epoch int) string {
	return filepath.Join(cm.config.SaveDirectory, fmt.Sprintf(cm.config.FilenamePattern, epoch+1))
}

// Save writes a record holding epoch and state to path, replacing any file
// already there.
func (cm *CheckpointManager) Save(path string, epoch int, state checkpoints.State) error {
	if err := cm.EnsureDirectory(); err != nil {
		return err
	}

	record := &checkpoints.Record{Epoch: epoch, State: state}
	if err := cm.saver.SaveCheckpoint(record, path); err != nil {
		return err
	}

	cm.track(path)
	cm.logger.Debug("checkpoint saved", "path", path, "epoch", epoch, "tensors", len(state))
	return nil
}

// SaveBest overwrites the best checkpoint with the current model state
func (cm *CheckpointManager) SaveBest(epoch int, model Stateful) error {
	return cm.Save(cm.BestPath(), epoch, model.State())
}

// SavePeriodic writes the periodic checkpoint for epoch
func (cm *CheckpointManager) SavePeriodic(epoch int, model Stateful) error {
	return cm.Save(cm.PeriodicPath(epoch), epoch, model.State())
}

// Load reads a checkpoint record
func (cm *CheckpointManager) Load(path string) (*checkpoints.Record, error) {
	return cm.saver.LoadCheckpoint(path)
}

// Resume loads the record to resume a run from. An empty path, or a path
// that does not exist, means there is nothing to resume from.
func (cm *CheckpointManager) Resume(path string) (*checkpoints.Record, error) {
	if path == "" {
		return nil, &checkpoints.ConfigurationError{Msg: "No resume file"}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, &checkpoints.ConfigurationError{Msg: "No resume file", Err: err}
	}
	return cm.Load(path)
}

// SavedFiles lists every distinct path written by this manager, in first-write
// order.
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) track(path string) {
	for _, p := range cm.savedFiles {
		if p == path {
			return
		}
	}
	cm.savedFiles = append(cm.savedFiles, path)
}

// periodicDue reports whether a periodic checkpoint is written after epoch.
// The last epoch of a run is always saved.
func periodicDue(epoch, stop, saveFreq int) bool {
	if epoch == stop-1 {
		return true
	}
	return saveFreq > 0 && (epoch+1)%saveFreq == 0
}
