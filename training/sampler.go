package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-lftnet/checkpoints"
)

// DefaultSampleSize is the number of domains drawn per epoch: one pseudo-seen
// and one pseudo-unseen.
const DefaultSampleSize = 2

// EpochSplit partitions the seen domains for a single epoch.
type EpochSplit struct {
	PseudoSeen   string
	PseudoUnseen []string
}

// DomainSampler draws a fresh EpochSplit from a fixed domain pool.
type DomainSampler struct {
	pool []string
	k    int
	rng  *rand.Rand
}

// NewDomainSampler creates a sampler drawing k distinct domains per epoch.
func NewDomainSampler(pool []string, k int, rng *rand.Rand) (*DomainSampler, error) {
	if k < 2 {
		return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("domain sample size %d: need at least 2", k)}
	}
	if len(pool) < k {
		return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("domain pool %v has fewer than %d domains", pool, k)}
	}
	if rng == nil {
		return nil, &checkpoints.ConfigurationError{Msg: "domain sampler needs a random source"}
	}
	seen := make(map[string]bool, len(pool))
	for _, d := range pool {
		if seen[d] {
			return nil, &checkpoints.ConfigurationError{Msg: fmt.Sprintf("domain %q listed twice", d)}
		}
		seen[d] = true
	}

	return &DomainSampler{
		pool: append([]string(nil), pool...),
		k:    k,
		rng:  rng,
	}, nil
}

// Pool returns a copy of the domain pool.
func (s *DomainSampler) Pool() []string {
	return append([]string(nil), s.pool...)
}

// Sample draws k domains uniformly without replacement. The first becomes the
// pseudo-seen domain, the rest pseudo-unseen.
func (s *DomainSampler) Sample() EpochSplit {
	candidates := append([]string(nil), s.pool...)
	n := len(candidates)
	for i := 0; i < s.k; i++ {
		j := i + s.rng.Intn(n-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	return EpochSplit{
		PseudoSeen:   candidates[0],
		PseudoUnseen: append([]string(nil), candidates[1:s.k]...),
	}
}
