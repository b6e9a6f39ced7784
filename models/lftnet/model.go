// Package lftnet is a small CPU meta-learner that plugs into the training
// loop: a pooled linear feature extractor, a learned feature-wise
// transformation and a prototypical classifier.
//
// During TrainAll the pseudo-seen episodes refresh the feature statistics and
// the pseudo-unseen episodes drive the feature-wise transformation, which
// reweights each feature dimension by how well it separates unseen classes.
package lftnet

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/tsawler/go-lftnet/checkpoints"
	"github.com/tsawler/go-lftnet/training"
	"github.com/tsawler/go-lftnet/vision/dataloader"
)

const (
	featurePrefix = "feature."
	gammaKey      = "fwt.gamma"
)

// FeatureDims maps the supported backbone names to their feature width.
var FeatureDims = map[string]int{
	"Conv4":    64,
	"Conv6":    64,
	"ResNet10": 512,
	"ResNet18": 512,
	"ResNet34": 512,
}

// Config holds configuration for a Model
type Config struct {
	Backbone     string  // key of FeatureDims
	Channels     int     // image channels, 3 when zero
	Grid         int     // pooling grid, 4 when zero
	Momentum     float64 // running statistics momentum, 0.1 when zero
	LearningRate float64 // feature-wise transformation step, 0.1 when zero
	PrintFreq    int     // iterations between loss reports, 10 when zero

	Scheduler training.LRScheduler // per-epoch step size, constant when nil

	Rand     *rand.Rand // initialises the projection
	Logger   *slog.Logger
	Sink     training.MetricsSink
	Progress io.Writer // episode progress bar, nil disables it
}

// Model implements training.Model
type Model struct {
	config   Config
	feature  *featureExtractor
	gamma    checkpoints.Tensor
	training bool
	logger   *slog.Logger
	sink     training.MetricsSink
}

// New creates a model with a randomly initialised projection
func New(config Config) (*Model, error) {
	dim, ok := FeatureDims[config.Backbone]
	if !ok {
		return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("unknown model %q", config.Backbone)}
	}
	if config.Rand == nil {
		return nil, &checkpoints.ConfigurationError{Msg: "model needs a random source"}
	}
	if config.Channels <= 0 {
		config.Channels = 3
	}
	if config.Grid <= 0 {
		config.Grid = 4
	}
	if config.Momentum <= 0 {
		config.Momentum = 0.1
	}
	if config.LearningRate <= 0 {
		config.LearningRate = 0.1
	}
	if config.PrintFreq <= 0 {
		config.PrintFreq = 10
	}
	if config.Scheduler == nil {
		config.Scheduler = training.ConstantScheduler{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sink training.MetricsSink = training.NopSink{}
	if config.Sink != nil {
		sink = config.Sink
	}

	gamma := checkpoints.Tensor{Shape: []int{dim}, Data: make([]float32, dim)}
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}

	return &Model{
		config:  config,
		feature: newFeatureExtractor(config.Channels, config.Grid, dim, config.Rand),
		gamma:   gamma,
		logger:  logger,
		sink:    sink,
	}, nil
}

// FeatureDim returns the embedding width
func (m *Model) FeatureDim() int {
	return m.feature.dim
}

// Train switches to training mode
func (m *Model) Train() { m.training = true }

// Eval switches to evaluation mode
func (m *Model) Eval() { m.training = false }

// params returns the live parameter storage of the whole model.
func (m *Model) params() checkpoints.State {
	state := checkpoints.State{gammaKey: m.gamma}
	for k, v := range m.feature.params() {
		state[featurePrefix+k] = v
	}
	return state
}

// State returns a copy of every parameter
func (m *Model) State() checkpoints.State {
	return m.params().Clone()
}

// Resume restores every parameter from record and returns the next epoch.
func (m *Model) Resume(record *checkpoints.Record) (int, error) {
	if record == nil {
		return 0, fmt.Errorf("nil checkpoint record")
	}
	if _, err := checkpoints.LoadInto(m.params(), record.State, true); err != nil {
		return 0, err
	}
	return record.Epoch + 1, nil
}

// LoadFeatureState loads the feature extractor from a state whose keys carry
// no "feature." prefix. Unknown and absent keys are reported, not rejected.
func (m *Model) LoadFeatureState(state checkpoints.State) (checkpoints.LoadReport, error) {
	return checkpoints.LoadInto(m.feature.params(), state, false)
}

// TrainAll pairs pseudo-seen and pseudo-unseen episodes until either loader
// is exhausted.
func (m *Model) TrainAll(epoch int, pseudoSeen, pseudoUnseen training.EpisodeLoader, totalIt int) (int, error) {
	total := pseudoSeen.Len()
	if n := pseudoUnseen.Len(); n < total {
		total = n
	}
	pb := training.NewProgressBar(m.config.Progress, fmt.Sprintf("Epoch %d", epoch), total)

	lr := m.config.Scheduler.GetLR(epoch, m.config.LearningRate)
	m.sink.Scalar("fwt_lr", lr, epoch)

	var avgLoss float64
	for i := 0; ; i++ {
		ps, err := pseudoSeen.Next()
		if err != nil {
			return totalIt, err
		}
		pu, err := pseudoUnseen.Next()
		if err != nil {
			return totalIt, err
		}
		if ps == nil || pu == nil {
			break
		}

		if err := m.trainSeen(ps); err != nil {
			return totalIt, fmt.Errorf("pseudo-seen episode %d: %w", i, err)
		}
		loss, err := m.trainUnseen(pu, lr)
		if err != nil {
			return totalIt, fmt.Errorf("pseudo-unseen episode %d: %w", i, err)
		}

		avgLoss += loss
		if (i+1)%m.config.PrintFreq == 0 {
			mean := avgLoss / float64(i+1)
			m.logger.Info("training", "epoch", epoch, "batch", i+1, "of", total, "loss", mean)
			m.sink.Scalar("train_loss", mean, totalIt+1)
		}
		pb.Update(i+1, map[string]float64{"loss": avgLoss / float64(i+1)})
		totalIt++
	}
	pb.Finish()
	return totalIt, nil
}

// trainSeen refreshes the running feature statistics.
func (m *Model) trainSeen(ep *dataloader.Episode) error {
	raw, _, err := m.project(ep)
	if err != nil {
		return err
	}
	if m.training {
		m.feature.updateStats(raw, m.config.Momentum)
	}
	return nil
}

// trainUnseen moves gamma a step of lr toward the per-dimension Fisher ratio
// of the episode's normalised features and returns the episode loss under the
// updated gamma.
func (m *Model) trainUnseen(ep *dataloader.Episode, lr float64) (float64, error) {
	raw, labels, err := m.project(ep)
	if err != nil {
		return 0, err
	}
	for _, z := range raw {
		m.feature.normalize(z)
	}

	if m.training {
		target := fisherRatio(raw, labels, len(ep.Classes))
		for d, t := range target {
			m.gamma.Data[d] = float32((1-lr)*float64(m.gamma.Data[d]) + lr*t)
		}
	}

	for _, z := range raw {
		m.transform(z)
	}
	loss, _ := prototypical(raw, labels, ep.Config)
	return loss, nil
}

// Test returns the mean episode accuracy in percent
func (m *Model) Test(loader training.EpisodeLoader) (float64, error) {
	var accs []float64
	pb := training.NewProgressBar(m.config.Progress, "Test", loader.Len())
	for {
		ep, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if ep == nil {
			break
		}

		feats, labels, err := m.embed(ep)
		if err != nil {
			return 0, fmt.Errorf("test episode %d: %w", len(accs), err)
		}
		_, preds := prototypical(feats, labels, ep.Config)
		acc, err := training.EpisodeAccuracy(preds, queryLabels(labels, ep.Config))
		if err != nil {
			return 0, err
		}
		accs = append(accs, acc)
		pb.Update(len(accs), map[string]float64{"acc": acc})
	}
	pb.Finish()

	if len(accs) == 0 {
		return 0, fmt.Errorf("no test episodes")
	}
	summary := training.SummarizeAccuracies(accs)
	m.logger.Info(summary.String(), "episodes", summary.Episodes, "acc", summary.Mean, "ci95", summary.CI95)
	return summary.Mean, nil
}

// embed returns the final features of every image of ep, ordered way by way
// with support before query, and the way index of each.
func (m *Model) embed(ep *dataloader.Episode) ([][]float64, []int, error) {
	raw, labels, err := m.project(ep)
	if err != nil {
		return nil, nil, err
	}
	for _, z := range raw {
		m.feature.normalize(z)
		m.transform(z)
	}
	return raw, labels, nil
}

// project pools and projects every image of ep.
func (m *Model) project(ep *dataloader.Episode) ([][]float64, []int, error) {
	var out [][]float64
	var labels []int
	for w, images := range ep.Images {
		for _, img := range images {
			pooled, err := m.feature.pool(img)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, m.feature.project(pooled))
			labels = append(labels, w)
		}
	}
	return out, labels, nil
}

func (m *Model) transform(z []float64) {
	for d := range z {
		z[d] *= float64(m.gamma.Data[d])
	}
}

// fisherRatio returns, per dimension, between-class over within-class
// variance, scaled to mean 1.
func fisherRatio(feats [][]float64, labels []int, ways int) []float64 {
	dim := len(feats[0])
	counts := make([]float64, ways)
	means := make([][]float64, ways)
	for w := range means {
		means[w] = make([]float64, dim)
	}
	overall := make([]float64, dim)
	for i, z := range feats {
		counts[labels[i]]++
		for d, v := range z {
			means[labels[i]][d] += v
			overall[d] += v
		}
	}
	for w := range means {
		for d := range means[w] {
			means[w][d] /= counts[w]
		}
	}
	for d := range overall {
		overall[d] /= float64(len(feats))
	}

	ratio := make([]float64, dim)
	var sum float64
	for d := 0; d < dim; d++ {
		var between, within float64
		for w := range means {
			diff := means[w][d] - overall[d]
			between += diff * diff
		}
		between /= float64(ways)
		for i, z := range feats {
			diff := z[d] - means[labels[i]][d]
			within += diff * diff
		}
		within /= float64(len(feats))

		ratio[d] = between / (within + normEpsilon)
		sum += ratio[d]
	}

	mean := sum / float64(dim)
	if mean <= 0 {
		for d := range ratio {
			ratio[d] = 1
		}
		return ratio
	}
	for d := range ratio {
		ratio[d] /= mean
	}
	return ratio
}

// prototypical classifies the query images of an episode by nearest support
// centroid. It returns the mean cross-entropy of softmax(-distance) and the
// predicted way of every query image, way by way.
func prototypical(feats [][]float64, labels []int, cfg dataloader.EpisodeConfig) (float64, []int) {
	dim := len(feats[0])
	protos := make([][]float64, cfg.NWay)
	for w := range protos {
		protos[w] = make([]float64, dim)
	}

	var queries [][]float64
	var truth []int
	for i, z := range feats {
		w := labels[i]
		if i-w*cfg.PerClass() < cfg.NSupport {
			for d, v := range z {
				protos[w][d] += v / float64(cfg.NSupport)
			}
			continue
		}
		queries = append(queries, z)
		truth = append(truth, w)
	}

	var loss float64
	preds := make([]int, len(queries))
	logits := make([]float64, cfg.NWay)
	for q, z := range queries {
		best := 0
		for w, p := range protos {
			var dist float64
			for d := range z {
				diff := z[d] - p[d]
				dist += diff * diff
			}
			logits[w] = -dist
			if logits[w] > logits[best] {
				best = w
			}
		}
		preds[q] = best
		loss += logSumExp(logits) - logits[truth[q]]
	}
	if len(queries) > 0 {
		loss /= float64(len(queries))
	}
	return loss, preds
}

func logSumExp(xs []float64) float64 {
	hi := math.Inf(-1)
	for _, x := range xs {
		if x > hi {
			hi = x
		}
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - hi)
	}
	return hi + math.Log(sum)
}

// queryLabels returns the way of every query image, in the order prototypical
// reports predictions.
func queryLabels(labels []int, cfg dataloader.EpisodeConfig) []int {
	out := make([]int, 0, cfg.NWay*cfg.NQuery)
	for i, w := range labels {
		if i-w*cfg.PerClass() >= cfg.NSupport {
			out = append(out, w)
		}
	}
	return out
}

// Backbones lists the supported backbone names
func Backbones() []string {
	names := make([]string, 0, len(FeatureDims))
	for name := range FeatureDims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
