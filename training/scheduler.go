package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an epoch to a step size. Schedulers are pure functions of
// the epoch, so a resumed run picks up the schedule where it left off.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler reduces the rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 100
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.5
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.99
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 400
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantScheduler keeps the base rate
type ConstantScheduler struct{}

func (ConstantScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (ConstantScheduler) GetName() string {
	return "ConstantLR"
}

// ParseScheduler builds a scheduler by name: constant, step, exponential or
// cosine. Step and cosine are sized to a run ending at stopEpoch.
func ParseScheduler(name string, stopEpoch int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "constant", "":
		return ConstantScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stopEpoch/4, 0.5), nil
	case "exponential":
		return NewExponentialLRScheduler(0.99), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(stopEpoch, 0), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}
