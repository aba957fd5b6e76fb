package markov

import (
	"go/build"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// newTestModel creates a Model with a fixed seed so sampling is reproducible.
func newTestModel(t testing.TB, opts ...Option) *Model {
	t.Helper()
	opts = append([]Option{WithRand(NewRand(1))}, opts...)
	m, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

// checkInvariants verifies that every context total is the sum of its counts
// and that the grand total is the sum of every context total.
func checkInvariants(t *testing.T, m *Model) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var grand uint64
	for c := range m.contexts {
		h := &m.contexts[c]
		var sum uint64
		for _, n := range h.counts {
			sum += uint64(n)
		}
		if sum != uint64(h.total) {
			t.Errorf("context %d: total = %d, sum of counts = %d", c, h.total, sum)
		}
		grand += uint64(h.total)
	}
	if grand != m.grandTotal {
		t.Errorf("grandTotal = %d, sum of context totals = %d", m.grandTotal, grand)
	}
}

var (
	benchmarkCorpus string
	corpusOnce      sync.Once
)

// createBenchmarkCorpus reads Go source files to create a corpus for benchmarking.
func createBenchmarkCorpus() string {
	corpusOnce.Do(func() {
		var sb strings.Builder
		goRoot := build.Default.GOROOT
		filesToRead := []string{
			filepath.Join(goRoot, "src/net/http/server.go"),
			filepath.Join(goRoot, "src/go/parser/parser.go"),
			filepath.Join(goRoot, "src/encoding/json/encode.go"),
		}

		for _, file := range filesToRead {
			content, err := os.ReadFile(file)
			if err != nil {
				benchmarkCorpus = "this is a fallback corpus for benchmarking. it is not very long but will prevent a crash. "
				return
			}
			sb.Write(content)
			sb.WriteString("\n")
		}
		benchmarkCorpus = sb.String()
	})
	return benchmarkCorpus
}
