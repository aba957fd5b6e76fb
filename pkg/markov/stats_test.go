package markov

import "testing"

func TestStats(t *testing.T) {
	m := newTestModel(t)
	m.Train([]byte("AAB"))

	stats := m.Stats()
	if stats.GrandTotal != 3 {
		t.Errorf("GrandTotal = %d, want 3", stats.GrandTotal)
	}
	if stats.LastByte != 'B' {
		t.Errorf("LastByte = %q, want 'B'", stats.LastByte)
	}
	if stats.ActiveContexts != 2 {
		t.Errorf("ActiveContexts = %d, want 2", stats.ActiveContexts)
	}
	if stats.Transitions != 3 {
		t.Errorf("Transitions = %d, want 3", stats.Transitions)
	}
	if stats.ContextTotals[0] != 1 || stats.ContextTotals['A'] != 2 || stats.ContextTotals['B'] != 0 {
		t.Errorf("unexpected context totals: 0=%d A=%d B=%d", stats.ContextTotals[0], stats.ContextTotals['A'], stats.ContextTotals['B'])
	}
	if stats.Marginal['A'] != 2 || stats.Marginal['B'] != 1 {
		t.Errorf("unexpected marginal: A=%d B=%d", stats.Marginal['A'], stats.Marginal['B'])
	}
}
