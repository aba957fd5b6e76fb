package markov

// ModelStats holds aggregated statistics for a Model. Transitions counts the
// distinct prev->next pairs, ActiveContexts the contexts with at least one
// recorded transition, and Marginal the order-0 frequency of every byte as a
// successor.
type ModelStats struct {
	GrandTotal     uint64                `json:"grand_total"`
	LastByte       byte                  `json:"last_byte"`
	ActiveContexts int                   `json:"active_contexts"`
	Transitions    int                   `json:"transitions"`
	ContextTotals  [HistogramSize]uint32 `json:"context_totals"`
	Marginal       [HistogramSize]uint64 `json:"marginal"`
}

// Stats returns a consistent snapshot of the model's statistics.
func (m *Model) Stats() ModelStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ModelStats{
		GrandTotal: m.grandTotal,
		LastByte:   m.lastByte,
	}
	for c := range m.contexts {
		h := &m.contexts[c]
		stats.ContextTotals[c] = h.total
		if h.total == 0 {
			continue
		}
		stats.ActiveContexts++
		for v, n := range h.counts {
			if n == 0 {
				continue
			}
			stats.Transitions++
			stats.Marginal[v] += uint64(n)
		}
	}
	return stats
}
