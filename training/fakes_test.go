package training

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-lftnet/checkpoints"
	"github.com/tsawler/go-lftnet/vision/dataloader"
)

// fakeLoader yields n empty episodes per pass.
type fakeLoader struct {
	paths  []string
	n      int
	pos    int
	resets int
}

func (l *fakeLoader) Len() int { return l.n }

func (l *fakeLoader) Next() (*dataloader.Episode, error) {
	if l.pos >= l.n {
		return nil, nil
	}
	l.pos++
	return &dataloader.Episode{}, nil
}

func (l *fakeLoader) Reset() {
	l.pos = 0
	l.resets++
}

// fakeFactory records every loader request.
type fakeFactory struct {
	calls [][]string
	err   error
}

func (f *fakeFactory) Loader(paths []string, aug bool) (EpisodeLoader, error) {
	f.calls = append(f.calls, append([]string(nil), paths...))
	if f.err != nil {
		return nil, fmt.Errorf("cannot open %v: %w", paths, f.err)
	}
	return &fakeLoader{paths: paths, n: 3}, nil
}

// domains returns the domain names of the i-th loader request.
func (f *fakeFactory) domains(i int) []string {
	var out []string
	for _, p := range f.calls[i] {
		out = append(out, filepath.Base(filepath.Dir(p)))
	}
	return out
}

// fakeModel replays a fixed accuracy per epoch and stamps its state with the
// epoch it last trained.
type fakeModel struct {
	accuracies  []float64
	epochs      []int
	mode        string
	trainErr    error
	testErr     error
	weight      checkpoints.Tensor
	featureLoad checkpoints.State
}

func newFakeModel(accuracies ...float64) *fakeModel {
	return &fakeModel{
		accuracies: accuracies,
		weight:     checkpoints.Tensor{Shape: []int{1}, Data: []float32{0}},
	}
}

func (m *fakeModel) Train() { m.mode = "train" }
func (m *fakeModel) Eval()  { m.mode = "eval" }

func (m *fakeModel) TrainAll(epoch int, ps, pu EpisodeLoader, totalIt int) (int, error) {
	if m.mode != "train" {
		return totalIt, errors.New("TrainAll called outside training mode")
	}
	if m.trainErr != nil {
		return totalIt, m.trainErr
	}
	m.epochs = append(m.epochs, epoch)
	m.weight.Data[0] = float32(epoch)
	for {
		a, err := ps.Next()
		if err != nil {
			return totalIt, err
		}
		b, err := pu.Next()
		if err != nil {
			return totalIt, err
		}
		if a == nil || b == nil {
			return totalIt, nil
		}
		totalIt++
	}
}

func (m *fakeModel) Test(loader EpisodeLoader) (float64, error) {
	if m.mode != "eval" {
		return 0, errors.New("Test called outside eval mode")
	}
	if m.testErr != nil {
		return 0, m.testErr
	}
	for ep, err := loader.Next(); ep != nil; ep, err = loader.Next() {
		if err != nil {
			return 0, err
		}
	}
	i := len(m.epochs) - 1
	if i >= len(m.accuracies) {
		return 0, nil
	}
	return m.accuracies[i], nil
}

func (m *fakeModel) State() checkpoints.State {
	return checkpoints.State{
		"feature.w":    m.weight.Clone(),
		"classifier.w": checkpoints.Tensor{Shape: []int{1}, Data: []float32{1}},
	}
}

func (m *fakeModel) Resume(record *checkpoints.Record) (int, error) {
	w, ok := record.State["feature.w"]
	if !ok {
		return 0, errors.New("feature.w missing")
	}
	m.weight = w.Clone()
	return record.Epoch + 1, nil
}

func (m *fakeModel) LoadFeatureState(state checkpoints.State) (checkpoints.LoadReport, error) {
	m.featureLoad = state
	dst := checkpoints.State{"w": m.weight}
	return checkpoints.LoadInto(dst, state, false)
}

// fakeSink counts metric events.
type fakeSink struct {
	scalars map[string][]float64
	counts  map[string]int
	flushes int
}

func newFakeSink() *fakeSink {
	return &fakeSink{scalars: map[string][]float64{}, counts: map[string]int{}}
}

func (s *fakeSink) Scalar(name string, value float64, step int) {
	s.scalars[name] = append(s.scalars[name], value)
}
func (s *fakeSink) Inc(name string) { s.counts[name]++ }
func (s *fakeSink) Flush() error    { s.flushes++; return nil }
