package training

import (
	"fmt"
	"math"
)

// AccuracySummary aggregates per-episode accuracies of one evaluation pass.
type AccuracySummary struct {
	Episodes int
	Mean     float64 // percent
	Std      float64 // population standard deviation, percent
	CI95     float64 // half-width of the 95% confidence interval, percent
}

// SummarizeAccuracies summarises per-episode accuracies given in percent.
func SummarizeAccuracies(accs []float64) AccuracySummary {
	n := len(accs)
	if n == 0 {
		return AccuracySummary{}
	}

	var sum float64
	for _, a := range accs {
		sum += a
	}
	mean := sum / float64(n)

	var sq float64
	for _, a := range accs {
		d := a - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(n))

	return AccuracySummary{
		Episodes: n,
		Mean:     mean,
		Std:      std,
		CI95:     1.96 * std / math.Sqrt(float64(n)),
	}
}

func (s AccuracySummary) String() string {
	return fmt.Sprintf("%d Test Acc = %4.2f%% +- %4.2f%%", s.Episodes, s.Mean, s.CI95)
}

// EpisodeAccuracy returns the percentage of predictions that match labels.
func EpisodeAccuracy(predictions, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("predictions length (%d) doesn't match labels length (%d)",
			len(predictions), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil
	}

	correct := 0
	for i, p := range predictions {
		if p == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)) * 100, nil
}
