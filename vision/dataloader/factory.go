package dataloader

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-lftnet/vision/dataset"
)

// Factory builds a fresh EpisodeLoader for any set of filelists. Parsed
// filelists and decoded images are kept across calls; loaders are not.
type Factory struct {
	config Config

	mu    sync.Mutex
	lists map[string]*dataset.FileListDataset
}

// NewFactory creates a factory whose loaders share config (and its cache).
func NewFactory(config Config) *Factory {
	if config.CacheManager == nil {
		config.CacheManager = NewCacheManager(0)
	}
	return &Factory{
		config: config,
		lists:  make(map[string]*dataset.FileListDataset),
	}
}

// Loader builds a loader over one filelist, or over the union of the classes
// of several.
func (f *Factory) Loader(paths []string, aug bool) (*EpisodeLoader, error) {
	if len(paths) == 0 {
		return nil, &dataset.DataError{Err: fmt.Errorf("no filelist given")}
	}

	parts := make([]*dataset.FileListDataset, len(paths))
	for i, path := range paths {
		fl, err := f.fileList(path)
		if err != nil {
			return nil, err
		}
		parts[i] = fl
	}

	config := f.config
	config.Augment = aug
	return NewEpisodeLoader(dataset.Merge(parts...), config)
}

func (f *Factory) fileList(path string) (*dataset.FileListDataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fl, ok := f.lists[path]; ok {
		return fl, nil
	}
	fl, err := dataset.LoadFileList(path)
	if err != nil {
		return nil, err
	}
	f.lists[path] = fl
	return fl, nil
}

// CacheStats reports the shared image cache.
func (f *Factory) CacheStats() CacheStats {
	return f.config.CacheManager.Stats()
}
