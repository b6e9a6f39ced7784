// Package config loads the options of a training run from flags, LFTNET_
// environment variables and an optional YAML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tsawler/go-lftnet/checkpoints"
	"github.com/tsawler/go-lftnet/vision/dataloader"
)

// EnvPrefix prefixes every environment variable, e.g. LFTNET_SAVE_DIR.
const EnvPrefix = "LFTNET"

// NoWarmup disables warm-up from a pre-trained run.
const NoWarmup = "none"

// Domains lists every domain a run can draw from, in the order they are
// offered to the sampler.
var Domains = []string{"miniImagenet", "cars", "places", "CUB", "iNatPlantae"}

// ValidationDomain is the domain whose val.json validates every epoch.
const ValidationDomain = "miniImagenet"

// Options holds every setting of a training run.
type Options struct {
	ConfigFile string `mapstructure:"config" yaml:"-"`

	Model     string `mapstructure:"model" yaml:"model" validate:"required,oneof=Conv4 Conv6 ResNet10 ResNet18 ResNet34"`
	TrainNWay int    `mapstructure:"train_n_way" yaml:"train_n_way" validate:"gt=0"`
	TestNWay  int    `mapstructure:"test_n_way" yaml:"test_n_way" validate:"gt=0"`
	NShot     int    `mapstructure:"n_shot" yaml:"n_shot" validate:"gt=0"`
	TrainAug  bool   `mapstructure:"train_aug" yaml:"train_aug"`

	SaveFreq    int    `mapstructure:"save_freq" yaml:"save_freq" validate:"gt=0"`
	StartEpoch  int    `mapstructure:"start_epoch" yaml:"start_epoch" validate:"gte=0"`
	StopEpoch   int    `mapstructure:"stop_epoch" yaml:"stop_epoch" validate:"gtfield=StartEpoch"`
	Resume      string `mapstructure:"resume" yaml:"resume"`
	ResumeEpoch int    `mapstructure:"resume_epoch" yaml:"resume_epoch" validate:"gte=-1"`
	Warmup      string `mapstructure:"warmup" yaml:"warmup" validate:"required"`

	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	SaveDir string `mapstructure:"save_dir" yaml:"save_dir" validate:"required"`
	Name    string `mapstructure:"name" yaml:"name" validate:"required,excludesall=/\\"`
	Testset string `mapstructure:"testset" yaml:"testset" validate:"required,oneof=miniImagenet cars places CUB iNatPlantae"`

	Seed             int64  `mapstructure:"seed" yaml:"seed"`
	NEpisode         int    `mapstructure:"n_episode" yaml:"n_episode" validate:"gt=0"`
	Workers          int    `mapstructure:"workers" yaml:"workers" validate:"gt=0"`
	CacheSize        int    `mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`
	CheckpointFormat string `mapstructure:"checkpoint_format" yaml:"checkpoint_format" validate:"oneof=json proto"`
	LRSchedule       string `mapstructure:"lr_schedule" yaml:"lr_schedule" validate:"oneof=constant step exponential cosine"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`
	Progress  bool   `mapstructure:"progress" yaml:"progress"`
}

// NewFlagSet declares every option with its default.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML file with option values")

	fs.String("model", "ResNet10", "backbone: Conv4, Conv6, ResNet10, ResNet18 or ResNet34")
	fs.Int("train_n_way", 5, "classes per training episode")
	fs.Int("test_n_way", 5, "classes per validation episode")
	fs.Int("n_shot", 5, "support images per class")
	fs.Bool("train_aug", false, "augment training episodes")

	fs.Int("save_freq", 25, "write a periodic checkpoint every N epochs")
	fs.Int("start_epoch", 0, "first epoch")
	fs.Int("stop_epoch", 400, "stop before this epoch")
	fs.String("resume", "", "name of the run to resume")
	fs.Int("resume_epoch", -1, "periodic checkpoint number to resume from, -1 for the latest")
	fs.String("warmup", NoWarmup, "name of a pre-trained run whose feature extractor seeds this one")

	fs.String("data_dir", "./filelists", "root of the per-domain filelists")
	fs.String("save_dir", "./output", "root of checkpoints and logs")
	fs.String("name", "tmp", "run name")
	fs.String("testset", "cars", "held-out domain, excluded from training")

	fs.Int64("seed", 10, "random seed")
	fs.Int("n_episode", dataloader.DefaultEpisodes, "episodes per epoch")
	fs.Int("workers", 4, "parallel image decoders")
	fs.Int("cache_size", 2048, "decoded images kept in memory, 0 disables the cache")
	fs.String("checkpoint_format", "json", "checkpoint encoding: json or proto")
	fs.String("lr_schedule", "constant", "feature-wise transformation step schedule: constant, step, exponential or cosine")

	fs.String("log_level", "info", "debug, info, warn or error")
	fs.String("log_format", "text", "text or json")
	fs.Bool("progress", true, "draw episode progress bars")
	return fs
}

// Load parses args and resolves the options. Any problem with the options is
// a *checkpoints.ConfigurationError.
func Load(args []string) (*Options, error) {
	fs := NewFlagSet("train")
	if err := fs.Parse(args); err != nil {
		return nil, &checkpoints.ConfigurationError{Msg: "invalid arguments", Err: err}
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, &checkpoints.ConfigurationError{Msg: "failed to bind flags", Err: err}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("failed to read config file %s", file), Err: err}
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, &checkpoints.ConfigurationError{Msg: "failed to decode options", Err: err}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Validate checks every option.
func (o *Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return &checkpoints.ConfigurationError{Msg: "invalid options: " + strings.Join(fields, ", "), Err: err}
		}
		return &checkpoints.ConfigurationError{Msg: "invalid options", Err: err}
	}
	if _, err := o.DomainPool(); err != nil {
		return err
	}
	return nil
}

// DomainPool returns the seen domains: every domain except the test set.
func (o *Options) DomainPool() ([]string, error) {
	pool := make([]string, 0, len(Domains))
	for _, d := range Domains {
		if d != o.Testset {
			pool = append(pool, d)
		}
	}
	if len(pool) == len(Domains) {
		return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("testset %q is not a known domain", o.Testset)}
	}
	if len(pool) < 2 {
		return nil, &checkpoints.ConfigurationError{Msg: "fewer than two seen domains"}
	}
	return pool, nil
}

// CheckpointDir is <save_dir>/checkpoints/<name>.
func (o *Options) CheckpointDir() string {
	return filepath.Join(o.SaveDir, "checkpoints", o.Name)
}

// LogDir is <save_dir>/log/<name>.
func (o *Options) LogDir() string {
	return filepath.Join(o.SaveDir, "log", o.Name)
}

// ResumeDir is the checkpoint directory of the run to resume, or "".
func (o *Options) ResumeDir() string {
	if o.Resume == "" {
		return ""
	}
	return filepath.Join(o.SaveDir, "checkpoints", o.Resume)
}

// WarmupDir is the checkpoint directory of the warm-up run, or "".
func (o *Options) WarmupDir() string {
	if o.Warmup == "" || o.Warmup == NoWarmup {
		return ""
	}
	return filepath.Join(o.SaveDir, "checkpoints", o.Warmup)
}

// BaseFile is the training filelist of a domain.
func (o *Options) BaseFile(domain string) string {
	return filepath.Join(o.DataDir, domain, "base.json")
}

// ValFile is the validation filelist.
func (o *Options) ValFile() string {
	return filepath.Join(o.DataDir, ValidationDomain, "val.json")
}

// ImageSize is 84 for the Conv backbones and 224 for the ResNets.
func (o *Options) ImageSize() int {
	if strings.Contains(o.Model, "Conv") {
		return 84
	}
	return 224
}

// TrainEpisode is the shape of pseudo-seen and pseudo-unseen episodes.
func (o *Options) TrainEpisode() dataloader.EpisodeConfig {
	return dataloader.EpisodeConfig{
		NWay:     o.TrainNWay,
		NSupport: o.NShot,
		NQuery:   dataloader.QueryCount(o.TestNWay, o.TrainNWay),
	}
}

// TestEpisode is the shape of validation episodes.
func (o *Options) TestEpisode() dataloader.EpisodeConfig {
	return dataloader.EpisodeConfig{
		NWay:     o.TestNWay,
		NSupport: o.NShot,
		NQuery:   dataloader.QueryCount(o.TestNWay, o.TrainNWay),
	}
}

// Format is the checkpoint encoding.
func (o *Options) Format() checkpoints.CheckpointFormat {
	f, err := checkpoints.ParseFormat(o.CheckpointFormat)
	if err != nil {
		return checkpoints.FormatJSON
	}
	return f
}
