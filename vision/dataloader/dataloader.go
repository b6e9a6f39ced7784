// Package dataloader builds episodic (N-way K-shot) loaders over filelist
// datasets.
//
// All random draws of an episode (class choice, image choice, flips) are made
// inside Next on the calling goroutine, before any image is decoded. Decoding
// fans out to worker goroutines that never touch the random source, so a run
// seeded the same way draws the same episodes.
package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-lftnet/vision/dataset"
	"github.com/tsawler/go-lftnet/vision/preprocessing"
)

// DefaultEpisodes is the number of episodes a loader yields per pass.
const DefaultEpisodes = 100

// EpisodeConfig fixes the shape of every episode a loader yields.
type EpisodeConfig struct {
	NWay     int
	NSupport int
	NQuery   int
}

// QueryCount derives the number of query images per class from the train and
// test way counts: max(1, int(16*testNWay/trainNWay)). The fraction is
// truncated, not rounded.
func QueryCount(testNWay, trainNWay int) int {
	if trainNWay <= 0 {
		return 1
	}
	q := int(16 * float64(testNWay) / float64(trainNWay))
	if q < 1 {
		return 1
	}
	return q
}

// PerClass is the number of images drawn for each class of an episode.
func (c EpisodeConfig) PerClass() int {
	return c.NSupport + c.NQuery
}

// Validate checks that every count is positive.
func (c EpisodeConfig) Validate() error {
	if c.NWay <= 0 || c.NSupport <= 0 || c.NQuery <= 0 {
		return fmt.Errorf("invalid episode config %+v: counts must be positive", c)
	}
	return nil
}

// Episode is one sampled few-shot task. Images and Paths are indexed
// [way][shot]; the first NSupport shots of a way are its support set, the rest
// its query set.
type Episode struct {
	Config  EpisodeConfig
	Classes []int
	Paths   [][]string
	Images  [][][]float32
}

// Support returns the support images of a way.
func (e *Episode) Support(way int) [][]float32 {
	return e.Images[way][:e.Config.NSupport]
}

// Query returns the query images of a way.
func (e *Episode) Query(way int) [][]float32 {
	return e.Images[way][e.Config.NSupport:]
}

// Dataset is what an EpisodeLoader samples from.
type Dataset interface {
	GetItem(index int) (imagePath string, label int, err error)
	Classes() []int
	ClassIndices(label int) []int
}

// Config holds configuration for an EpisodeLoader
type Config struct {
	Episode      EpisodeConfig
	NumEpisodes  int // episodes per pass, DefaultEpisodes when zero
	ImageSize    int
	Augment      bool
	NumWorkers   int // parallel decoders per episode
	CacheManager *CacheManager
	Rand         *rand.Rand
}

// EpisodeLoader yields a fixed number of randomly drawn episodes per pass.
// Next blocks until the whole episode is decoded.
type EpisodeLoader struct {
	dataset  Dataset
	config   Config
	eligible []int
	position int
	mu       sync.Mutex
}

// NewEpisodeLoader creates a loader. Only classes with enough images for a
// full episode are sampled; fewer than NWay such classes is a DataError.
func NewEpisodeLoader(ds Dataset, config Config) (*EpisodeLoader, error) {
	if err := config.Episode.Validate(); err != nil {
		return nil, err
	}
	if config.Rand == nil {
		return nil, fmt.Errorf("episode loader needs a random source")
	}
	if config.ImageSize <= 0 {
		return nil, fmt.Errorf("invalid image size %d", config.ImageSize)
	}
	if config.NumEpisodes <= 0 {
		config.NumEpisodes = DefaultEpisodes
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.CacheManager == nil {
		config.CacheManager = NewCacheManager(0)
	}

	var eligible []int
	for _, label := range ds.Classes() {
		if len(ds.ClassIndices(label)) >= config.Episode.PerClass() {
			eligible = append(eligible, label)
		}
	}
	if len(eligible) < config.Episode.NWay {
		return nil, &dataset.DataError{Err: fmt.Errorf(
			"%d classes have at least %d images, need %d for a %d-way episode",
			len(eligible), config.Episode.PerClass(), config.Episode.NWay, config.Episode.NWay)}
	}

	return &EpisodeLoader{
		dataset:  ds,
		config:   config,
		eligible: eligible,
	}, nil
}

// Len returns the number of episodes per pass.
func (l *EpisodeLoader) Len() int {
	return l.config.NumEpisodes
}

// Reset starts a new pass.
func (l *EpisodeLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = 0
}

// Next returns the next episode, or nil when the pass is complete.
func (l *EpisodeLoader) Next() (*Episode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position >= l.config.NumEpisodes {
		return nil, nil
	}
	l.position++

	cfg := l.config.Episode
	rng := l.config.Rand
	perClass := cfg.PerClass()

	ep := &Episode{
		Config:  cfg,
		Classes: make([]int, cfg.NWay),
		Paths:   make([][]string, cfg.NWay),
	}
	flips := make([][]bool, cfg.NWay)

	ways := rng.Perm(len(l.eligible))[:cfg.NWay]
	for w, ci := range ways {
		label := l.eligible[ci]
		members := l.dataset.ClassIndices(label)
		picks := rng.Perm(len(members))[:perClass]

		ep.Classes[w] = label
		ep.Paths[w] = make([]string, perClass)
		flips[w] = make([]bool, perClass)
		for s, pi := range picks {
			path, _, err := l.dataset.GetItem(members[pi])
			if err != nil {
				return nil, &dataset.DataError{Err: err}
			}
			ep.Paths[w][s] = path
			if l.config.Augment {
				flips[w][s] = rng.Intn(2) == 1
			}
		}
	}

	decoded, err := l.decode(ep.Paths)
	if err != nil {
		return nil, err
	}

	ep.Images = make([][][]float32, cfg.NWay)
	for w := range ep.Paths {
		ep.Images[w] = make([][]float32, perClass)
		for s, path := range ep.Paths[w] {
			img := decoded[path]
			if flips[w][s] {
				img = preprocessing.FlipHorizontal(img, l.config.ImageSize)
			}
			ep.Images[w][s] = img
		}
	}
	return ep, nil
}

// decode returns the preprocessed image of every path, going through the
// cache and decoding the misses in parallel.
func (l *EpisodeLoader) decode(paths [][]string) (map[string][]float32, error) {
	images := make(map[string][]float32)
	var missing []string
	for _, row := range paths {
		for _, path := range row {
			if _, seen := images[path]; seen {
				continue
			}
			if data, ok := l.config.CacheManager.Get(path); ok {
				images[path] = data
				continue
			}
			images[path] = nil
			missing = append(missing, path)
		}
	}
	if len(missing) == 0 {
		return images, nil
	}

	processed, err := preprocessing.PreprocessBatch(missing, l.config.ImageSize, l.config.NumWorkers)
	if err != nil {
		return nil, &dataset.DataError{Err: err}
	}
	for i, path := range missing {
		images[path] = processed[i].Data
		l.config.CacheManager.Put(path, processed[i].Data)
	}
	return images, nil
}

// Stats returns cache statistics
func (l *EpisodeLoader) Stats() string {
	return l.config.CacheManager.Stats().String()
}

// Progress returns the current position within the pass
func (l *EpisodeLoader) Progress() (current, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position, l.config.NumEpisodes
}
