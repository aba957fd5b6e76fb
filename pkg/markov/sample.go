package markov

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// drawFromHistogram inverts the cumulative distribution of h against a
// uniform draw p in [0, total). The first bin whose running sum is strictly
// greater than p wins, so empty bins can never be returned and every bin v is
// chosen with probability counts[v]/total.
func drawFromHistogram(h *Histogram, r *rand.Rand) byte {
	if h.total == 0 {
		return 0
	}
	p := r.Uint64N(uint64(h.total))
	var sum uint64
	for v, c := range h.counts {
		sum += uint64(c)
		if sum > p {
			return byte(v)
		}
	}
	// Unreachable while total == Σ counts.
	return 0
}

// drawStartContext picks the context a generation session starts from,
// weighted by how much training data each context has accumulated.
//
// This is not the stationary distribution of the chain, nor the marginal byte
// frequency of the training stream; it is the observed behaviour of the
// device this model is derived from and is kept as is.
func drawStartContext(m *Model) byte {
	if m.grandTotal == 0 {
		return 0
	}
	p := m.rng.Uint64N(m.grandTotal)
	var sum uint64
	for c := range m.contexts {
		sum += uint64(m.contexts[c].total)
		if sum > p {
			return byte(c)
		}
	}
	return 0
}

// newSeededRand returns a ChaCha8 backed generator seeded from crypto/rand.
func newSeededRand() (*rand.Rand, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return rand.New(rand.NewChaCha8(seed)), nil
}

// NewRand returns a deterministic generator for the given seed. It is meant
// for reproducible runs and tests via WithRand.
func NewRand(seed uint64) *rand.Rand {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	return rand.New(rand.NewChaCha8(s))
}
