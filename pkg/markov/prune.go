package markov

import "log/slog"

// Prune removes every transition whose count is less than or equal to
// minFreq. This is useful for dropping rare, and often noisy, transitions
// from a model trained on messy input. It returns the number of distinct
// transitions removed. The last trained byte is left untouched.
func (m *Model) Prune(minFreq uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int
	var countRemoved uint64
	for c := range m.contexts {
		h := &m.contexts[c]
		if h.total == 0 {
			continue
		}
		for v, n := range h.counts {
			if n == 0 || n > minFreq {
				continue
			}
			countRemoved += uint64(h.remove(byte(v)))
			removed++
		}
	}
	m.grandTotal -= countRemoved

	m.logger.Info("Model pruned",
		slog.Uint64("min_frequency", uint64(minFreq)),
		slog.Int("transitions_removed", removed),
		slog.Uint64("grand_total", m.grandTotal),
	)
	return removed
}
