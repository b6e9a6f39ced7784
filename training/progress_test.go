package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 3", 10)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 / float64(i), "acc": float64(i) * 9})
	}
	pb.Finish()

	out := buf.String()
	assert.Contains(t, out, "Epoch 3:")
	assert.Contains(t, out, "10/10")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "acc=90.00%")
	assert.Contains(t, out, "loss=0.1000")
	assert.True(t, strings.HasSuffix(out, "]\n"))
	assert.Less(t, strings.Index(out, "acc="), strings.Index(out, "loss="), "metrics are sorted")
}

func TestProgressBarNilWriter(t *testing.T) {
	pb := NewProgressBar(nil, "quiet", 0)
	pb.Update(0, nil)
	pb.Finish()
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "61:01", formatDuration(time.Hour+61*time.Second))
}
