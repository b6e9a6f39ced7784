package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *Record {
	return &Record{
		Epoch: 10,
		State: State{
			"feature.proj.weight": {Shape: []int{2, 3}, Data: []float32{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}},
			"feature.proj.bias":   {Shape: []int{2}, Data: []float32{0, 1}},
			"fwt.gamma":           {Shape: []int{2}, Data: []float32{1.5, 0.25}},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "1.tar")
			saver := NewCheckpointSaver(format)

			require.NoError(t, saver.SaveCheckpoint(testRecord(), path))

			loaded, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)
			assert.Equal(t, 10, loaded.Epoch)
			assert.Equal(t, testRecord().State, loaded.State)
		})
	}
}

func TestLoadCheckpointDetectsFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best_model.tar")
	require.NoError(t, NewCheckpointSaver(FormatProto).SaveCheckpoint(testRecord(), path))

	// A JSON saver still reads a proto file.
	loaded, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Epoch)
	assert.Len(t, loaded.State, 3)
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), BestFilename)
	saver := NewCheckpointSaver(FormatJSON)

	first := testRecord()
	require.NoError(t, saver.SaveCheckpoint(first, path))
	second := testRecord()
	second.Epoch = 42
	require.NoError(t, saver.SaveCheckpoint(second, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Epoch)
}

func TestCheckpointErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(t.TempDir(), "nope.tar"))
		var perr *PersistenceError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "load", perr.Op)
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.tar")
		require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0644))
		_, err := NewCheckpointSaver(FormatProto).LoadCheckpoint(path)
		var perr *PersistenceError
		assert.True(t, errors.As(err, &perr))
	})

	t.Run("unwritable directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "dir", "1.tar")
		err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(testRecord(), path)
		var perr *PersistenceError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "save", perr.Op)
	})

	t.Run("nil record", func(t *testing.T) {
		err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(nil, filepath.Join(t.TempDir(), "1.tar"))
		assert.Error(t, err)
	})
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"proto", FormatProto, false},
		{"onnx", FormatJSON, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "Unknown", CheckpointFormat(99).String())
}

func TestAdaptWarmUpState(t *testing.T) {
	t.Run("renames feature keys and drops the rest", func(t *testing.T) {
		record := &Record{State: State{
			"feature.trunk.0.weight": {Shape: []int{1}, Data: []float32{1}},
			"feature.trunk.0.bias":   {Shape: []int{1}, Data: []float32{2}},
			"classifier.weight":      {Shape: []int{1}, Data: []float32{3}},
			"model.feature.norm":     {Shape: []int{1}, Data: []float32{4}},
		}}

		state, report, err := AdaptWarmUpState(record)
		require.NoError(t, err)

		assert.Equal(t, State{
			"trunk.0.weight": {Shape: []int{1}, Data: []float32{1}},
			"trunk.0.bias":   {Shape: []int{1}, Data: []float32{2}},
			"model.norm":     {Shape: []int{1}, Data: []float32{4}},
		}, state)
		assert.ElementsMatch(t, []string{"trunk.0.weight", "trunk.0.bias", "model.norm"}, report.Applied)
		assert.Equal(t, []string{"classifier.weight"}, report.Dropped)
	})

	t.Run("removes the substring once", func(t *testing.T) {
		record := &Record{State: State{"feature.feature.x": {Shape: []int{1}, Data: []float32{1}}}}
		state, _, err := AdaptWarmUpState(record)
		require.NoError(t, err)
		assert.Contains(t, state, "feature.x")
	})

	t.Run("output keys derive from feature keys", func(t *testing.T) {
		record := testRecord()
		record.State["featureless"] = Tensor{Shape: []int{1}, Data: []float32{0}}
		state, _, err := AdaptWarmUpState(record)
		require.NoError(t, err)

		assert.LessOrEqual(t, len(state), len(record.State))
		for key := range state {
			derived := false
			for orig := range record.State {
				if strings.Contains(orig, "feature.") && strings.Replace(orig, "feature.", "", 1) == key {
					derived = true
				}
			}
			assert.True(t, derived, "key %s has no source", key)
		}
		assert.NotContains(t, state, "fwt.gamma")
		assert.NotContains(t, state, "featureless")
	})

	t.Run("nil record", func(t *testing.T) {
		_, _, err := AdaptWarmUpState(nil)
		var cerr *ConfigurationError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "No warm_up file", cerr.Error())
	})
}

func TestLoadInto(t *testing.T) {
	newDst := func() State {
		return State{
			"proj.weight": {Shape: []int{2}, Data: []float32{0, 0}},
			"proj.bias":   {Shape: []int{1}, Data: []float32{0}},
		}
	}

	t.Run("non-strict reports mismatched keys", func(t *testing.T) {
		dst := newDst()
		src := State{
			"proj.weight": {Shape: []int{2}, Data: []float32{3, 4}},
			"extra":       {Shape: []int{1}, Data: []float32{9}},
		}
		report, err := LoadInto(dst, src, false)
		require.NoError(t, err)
		assert.Equal(t, []float32{3, 4}, dst["proj.weight"].Data)
		assert.Equal(t, []string{"proj.weight"}, report.Applied)
		assert.Equal(t, []string{"extra"}, report.Unexpected)
		assert.Equal(t, []string{"proj.bias"}, report.Missing)
	})

	t.Run("strict rejects mismatched keys", func(t *testing.T) {
		_, err := LoadInto(newDst(), State{"proj.weight": {Shape: []int{2}, Data: []float32{1, 2}}}, true)
		assert.Error(t, err)
	})

	t.Run("shape mismatch is always an error", func(t *testing.T) {
		_, err := LoadInto(newDst(), State{"proj.bias": {Shape: []int{2}, Data: []float32{1, 2}}}, false)
		assert.Error(t, err)
	})
}

func TestResumeFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"5.tar", "25.tar", "10.tar", BestFilename, "notes.txt", "x.tar"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}

	t.Run("latest", func(t *testing.T) {
		got, err := ResumeFile(dir, -1)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "25.tar"), got)
	})

	t.Run("explicit epoch", func(t *testing.T) {
		got, err := ResumeFile(dir, 10)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "10.tar"), got)
	})

	t.Run("explicit epoch not saved", func(t *testing.T) {
		got, err := ResumeFile(dir, 7)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("only best model", func(t *testing.T) {
		only := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(only, BestFilename), []byte("{}"), 0644))
		got, err := ResumeFile(only, -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing directory", func(t *testing.T) {
		got, err := ResumeFile(filepath.Join(dir, "absent"), -1)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
