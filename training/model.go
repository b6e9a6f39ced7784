package training

import (
	"github.com/tsawler/go-lftnet/checkpoints"
	"github.com/tsawler/go-lftnet/vision/dataloader"
)

// EpisodeLoader is a blocking pull iterator over episodes. Next returns nil,
// nil once the pass is exhausted; Reset starts a new pass.
type EpisodeLoader interface {
	Len() int
	Next() (*dataloader.Episode, error)
	Reset()
}

// LoaderFactory builds a fresh EpisodeLoader per call. A single path is one
// domain; several paths span the union of their classes.
type LoaderFactory interface {
	Loader(paths []string, aug bool) (EpisodeLoader, error)
}

// LoaderFactoryFunc adapts a function to LoaderFactory.
type LoaderFactoryFunc func(paths []string, aug bool) (EpisodeLoader, error)

// Loader calls f(paths, aug).
func (f LoaderFactoryFunc) Loader(paths []string, aug bool) (EpisodeLoader, error) {
	return f(paths, aug)
}

// NewLoaderFactory exposes a dataloader.Factory as a LoaderFactory.
func NewLoaderFactory(f *dataloader.Factory) LoaderFactory {
	return LoaderFactoryFunc(func(paths []string, aug bool) (EpisodeLoader, error) {
		loader, err := f.Loader(paths, aug)
		if err != nil {
			return nil, err
		}
		return loader, nil
	})
}

// Stateful is anything whose parameters can be checkpointed.
type Stateful interface {
	State() checkpoints.State
}

// Model is the meta-learner driven by Trainer. The driver treats its state as
// opaque.
type Model interface {
	Stateful

	// Train and Eval switch the model between training and evaluation mode.
	Train()
	Eval()

	// TrainAll runs one epoch over paired pseudo-seen and pseudo-unseen
	// episodes and returns the updated global iteration count.
	TrainAll(epoch int, pseudoSeen, pseudoUnseen EpisodeLoader, totalIt int) (int, error)

	// Test returns the mean episode accuracy on loader, in percent.
	Test(loader EpisodeLoader) (float64, error)

	// Resume restores a full checkpoint and returns the epoch to start from,
	// record.Epoch+1.
	Resume(record *checkpoints.Record) (int, error)

	// LoadFeatureState loads a partial state into the feature extractor,
	// ignoring keys it does not know.
	LoadFeatureState(state checkpoints.State) (checkpoints.LoadReport, error)
}

// MetricsSink receives run telemetry.
type MetricsSink interface {
	Scalar(name string, value float64, step int)
	Inc(name string)
	Flush() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Scalar(string, float64, int) {}
func (NopSink) Inc(string)                  {}
func (NopSink) Flush() error                { return nil }
