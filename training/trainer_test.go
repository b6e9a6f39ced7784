package training

import (
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-lftnet/checkpoints"
)

var testPool = []string{"miniImagenet", "places", "CUB", "iNatPlantae"}

type trainerFixture struct {
	trainer *Trainer
	model   *fakeModel
	factory *fakeFactory
	val     *fakeLoader
	cm      *CheckpointManager
	sink    *fakeSink
}

func newTrainerFixture(t *testing.T, dir string, model *fakeModel, saveFreq int) *trainerFixture {
	t.Helper()
	sampler, err := NewDomainSampler(testPool, DefaultSampleSize, rand.New(rand.NewSource(10)))
	require.NoError(t, err)

	f := &trainerFixture{
		model:   model,
		factory: &fakeFactory{},
		val:     &fakeLoader{n: 2},
		cm:      NewCheckpointManager(CheckpointConfig{SaveDirectory: dir}, slog.New(slog.DiscardHandler)),
		sink:    newFakeSink(),
	}
	f.trainer = NewTrainer(model, sampler, f.factory, f.val, f.cm, TrainingConfig{
		DataDir:  "filelists",
		SaveFreq: saveFreq,
		Logger:   slog.New(slog.DiscardHandler),
		Sink:     f.sink,
	})
	return f
}

func checkpointDir(t *testing.T) string {
	return filepath.Join(t.TempDir(), "checkpoints", "run")
}

func TestTrainerBestCheckpoint(t *testing.T) {
	f := newTrainerFixture(t, checkpointDir(t), newFakeModel(0.5, 0.7, 0.6, 0.9), 100)
	require.NoError(t, f.trainer.Train(0, 4))

	var best []int
	var maxAcc []float64
	for _, m := range f.trainer.GetMetrics() {
		if m.SavedBest {
			best = append(best, m.Epoch)
		}
		maxAcc = append(maxAcc, m.MaxAccuracy)
	}
	assert.Equal(t, []int{0, 1, 3}, best)
	assert.Equal(t, []float64{0.5, 0.7, 0.7, 0.9}, maxAcc)
	assert.Equal(t, 3, f.sink.counts[MetricBestCheckpoints])

	record, err := f.cm.Load(f.cm.BestPath())
	require.NoError(t, err)
	assert.Equal(t, 3, record.Epoch)
	assert.Equal(t, float32(3), record.State["feature.w"].Data[0])
}

func TestTrainerNoImprovementKeepsBest(t *testing.T) {
	f := newTrainerFixture(t, checkpointDir(t), newFakeModel(0.8, 0.8, 0.2), 100)
	require.NoError(t, f.trainer.Train(0, 3))

	assert.Equal(t, 1, f.sink.counts[MetricBestCheckpoints], "equal accuracy is not an improvement")
	record, err := f.cm.Load(f.cm.BestPath())
	require.NoError(t, err)
	assert.Equal(t, 0, record.Epoch)
}

func TestTrainerZeroAccuracyNeverBest(t *testing.T) {
	f := newTrainerFixture(t, checkpointDir(t), newFakeModel(0, 0), 100)
	require.NoError(t, f.trainer.Train(0, 2))

	assert.Zero(t, f.sink.counts[MetricBestCheckpoints])
	_, err := os.Stat(f.cm.BestPath())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTrainerPeriodicCheckpoints(t *testing.T) {
	accs := make([]float64, 12)
	for i := range accs {
		accs[i] = float64(i + 1)
	}
	dir := checkpointDir(t)
	f := newTrainerFixture(t, dir, newFakeModel(accs...), 5)
	require.NoError(t, f.trainer.Train(0, 12))

	var periodic []int
	for _, m := range f.trainer.GetMetrics() {
		if m.SavedPeriodic {
			periodic = append(periodic, m.Epoch)
		}
	}
	assert.Equal(t, []int{4, 9, 11}, periodic)
	assert.Equal(t, 3, f.sink.counts[MetricPeriodicCheckpoint])

	for name, epoch := range map[string]int{"5.tar": 4, "10.tar": 9, "12.tar": 11} {
		record, err := f.cm.Load(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, epoch, record.Epoch, name)
		assert.Equal(t, float32(epoch), record.State["feature.w"].Data[0], name)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "three periodic checkpoints plus the best one")
}

func TestTrainerEpochRange(t *testing.T) {
	t.Run("covers exactly start to stop", func(t *testing.T) {
		f := newTrainerFixture(t, checkpointDir(t), newFakeModel(1, 2, 3), 100)
		require.NoError(t, f.trainer.Train(3, 6))
		assert.Equal(t, []int{3, 4, 5}, f.model.epochs)
		assert.Equal(t, 3, f.val.resets)
		assert.Equal(t, 3, f.sink.flushes)
	})

	t.Run("empty range", func(t *testing.T) {
		f := newTrainerFixture(t, checkpointDir(t), newFakeModel(), 100)
		require.NoError(t, f.trainer.Train(4, 4))
		assert.Empty(t, f.model.epochs)
		assert.Empty(t, f.factory.calls)
	})

	t.Run("invalid range", func(t *testing.T) {
		f := newTrainerFixture(t, checkpointDir(t), newFakeModel(), 100)
		assert.Error(t, f.trainer.Train(5, 3))
		assert.Error(t, f.trainer.Train(-1, 3))
	})
}

func TestTrainerLoaderRequests(t *testing.T) {
	f := newTrainerFixture(t, checkpointDir(t), newFakeModel(1, 2, 3, 4, 5), 100)
	require.NoError(t, f.trainer.Train(0, 5))

	require.Len(t, f.factory.calls, 10)
	for epoch := 0; epoch < 5; epoch++ {
		ps := f.factory.domains(2 * epoch)
		pu := f.factory.domains(2*epoch + 1)
		require.Len(t, ps, 1)
		require.Len(t, pu, 1)
		assert.NotContains(t, pu, ps[0])
		assert.Contains(t, testPool, ps[0])
		assert.Contains(t, testPool, pu[0])
		assert.Equal(t, filepath.Join("filelists", ps[0], "base.json"), f.factory.calls[2*epoch][0])

		m := f.trainer.GetMetrics()[epoch]
		assert.Equal(t, ps[0], m.PseudoSeen)
		assert.Equal(t, pu, m.PseudoUnseen)
	}

	// three paired episodes per epoch
	assert.Equal(t, 3, f.trainer.GetMetrics()[0].Iterations)
	assert.Equal(t, 15, f.trainer.GetMetrics()[4].Iterations)
}

func TestTrainerErrors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("model training", func(t *testing.T) {
		model := newFakeModel(1)
		model.trainErr = boom
		f := newTrainerFixture(t, checkpointDir(t), model, 100)
		err := f.trainer.Train(0, 3)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, f.trainer.GetMetrics())
	})

	t.Run("validation", func(t *testing.T) {
		model := newFakeModel(1)
		model.testErr = boom
		f := newTrainerFixture(t, checkpointDir(t), model, 100)
		assert.ErrorIs(t, f.trainer.Train(0, 3), boom)
		_, err := os.Stat(f.cm.BestPath())
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("loader", func(t *testing.T) {
		f := newTrainerFixture(t, checkpointDir(t), newFakeModel(1), 100)
		f.factory.err = boom
		assert.ErrorIs(t, f.trainer.Train(0, 3), boom)
		assert.Empty(t, f.model.epochs)
	})

	t.Run("persistence", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

		f := newTrainerFixture(t, filepath.Join(blocker, "run"), newFakeModel(1), 100)
		err := f.trainer.Train(0, 1)
		var perr *checkpoints.PersistenceError
		assert.True(t, errors.As(err, &perr))
	})
}
