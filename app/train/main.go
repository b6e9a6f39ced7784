// Command train runs cross-domain few-shot meta-training: every epoch the
// seen domains are split into a pseudo-seen and a pseudo-unseen part, the
// model is meta-trained on episodes from both and validated on miniImagenet.
//
// Options come from flags, LFTNET_* environment variables and an optional
// YAML file (--config). Checkpoints go to <save_dir>/checkpoints/<name>,
// metrics and the run manifest to <save_dir>/log/<name>.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/tsawler/go-lftnet/checkpoints"
	"github.com/tsawler/go-lftnet/config"
	"github.com/tsawler/go-lftnet/logger"
	"github.com/tsawler/go-lftnet/models/lftnet"
	"github.com/tsawler/go-lftnet/telemetry"
	"github.com/tsawler/go-lftnet/training"
	"github.com/tsawler/go-lftnet/vision/dataloader"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		slog.Error("training failed", "error", err)
		var cerr *checkpoints.ConfigurationError
		if errors.As(err, &cerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	opts, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log, err := logger.Setup(logger.Config{Level: opts.LogLevel, Format: opts.LogFormat, Output: stderr})
	if err != nil {
		return &checkpoints.ConfigurationError{Msg: "invalid logging options", Err: err}
	}

	pool, err := opts.DomainPool()
	if err != nil {
		return err
	}

	sink, err := telemetry.New(opts.LogDir(), "", log)
	if err != nil {
		return err
	}
	log = log.With("run", sink.RunID())
	log.Info("options loaded",
		"model", opts.Model,
		"train_n_way", opts.TrainNWay,
		"test_n_way", opts.TestNWay,
		"n_shot", opts.NShot,
		"testset", opts.Testset,
		"domains", pool,
		"epochs", fmt.Sprintf("[%d, %d)", opts.StartEpoch, opts.StopEpoch),
		"checkpoint_dir", opts.CheckpointDir())

	manifest, err := telemetry.WriteManifest(opts.LogDir(), telemetry.Manifest{
		RunID:     sink.RunID(),
		StartedAt: time.Now().UTC(),
		Options:   opts,
	})
	if err != nil {
		return err
	}
	log.Debug("manifest written", "path", manifest)

	// One source for the whole run: sampler, episode draws and model init.
	rng := rand.New(rand.NewSource(opts.Seed))

	cache := dataloader.NewCacheManager(opts.CacheSize)
	if err := sink.WatchCache(func() (int64, int64) {
		stats := cache.Stats()
		return stats.Hits, stats.Misses
	}); err != nil {
		return err
	}

	loaderConfig := dataloader.Config{
		NumEpisodes:  opts.NEpisode,
		ImageSize:    opts.ImageSize(),
		NumWorkers:   opts.Workers,
		CacheManager: cache,
		Rand:         rng,
	}
	trainConfig := loaderConfig
	trainConfig.Episode = opts.TrainEpisode()
	valConfig := loaderConfig
	valConfig.Episode = opts.TestEpisode()

	valLoader, err := dataloader.NewFactory(valConfig).Loader([]string{opts.ValFile()}, false)
	if err != nil {
		return fmt.Errorf("validation loader: %w", err)
	}

	sampler, err := training.NewDomainSampler(pool, training.DefaultSampleSize, rng)
	if err != nil {
		return err
	}

	scheduler, err := training.ParseScheduler(opts.LRSchedule, opts.StopEpoch)
	if err != nil {
		return &checkpoints.ConfigurationError{Msg: "invalid schedule", Err: err}
	}

	var progress io.Writer
	if opts.Progress {
		progress = stderr
	}
	model, err := lftnet.New(lftnet.Config{
		Backbone:  opts.Model,
		Scheduler: scheduler,
		Rand:      rng,
		Logger:    log,
		Sink:      sink,
		Progress:  progress,
	})
	if err != nil {
		return err
	}

	cm := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory: opts.CheckpointDir(),
		Format:        opts.Format(),
	}, log)

	start, err := training.InitModelState(model, cm, training.StartupConfig{
		StartEpoch:  opts.StartEpoch,
		ResumeDir:   opts.ResumeDir(),
		ResumeEpoch: opts.ResumeEpoch,
		WarmupDir:   opts.WarmupDir(),
	}, log)
	if err != nil {
		return err
	}

	trainer := training.NewTrainer(model, sampler, training.NewLoaderFactory(dataloader.NewFactory(trainConfig)),
		valLoader, cm, training.TrainingConfig{
			DataDir:  opts.DataDir,
			TrainAug: opts.TrainAug,
			SaveFreq: opts.SaveFreq,
			Logger:   log,
			Sink:     sink,
		})
	if err := trainer.Train(start, opts.StopEpoch); err != nil {
		return err
	}

	log.Info("training complete", "best", cm.BestPath(), "checkpoints", len(cm.SavedFiles()),
		"cache", cache.Stats().String())
	return sink.Flush()
}
