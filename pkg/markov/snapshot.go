package markov

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrInvalidSnapshot is returned when a Snapshot cannot be applied to a model.
var ErrInvalidSnapshot = errors.New("markov: invalid snapshot")

// Transition is a single learned link: Next was observed Count times right
// after Prev.
type Transition struct {
	Prev  byte   `json:"prev"`
	Next  byte   `json:"next"`
	Count uint32 `json:"count"`
}

// Snapshot is the serializable representation of a trained model, used for
// persistence and for JSON-based import and export. Only non-zero transitions
// are listed, ordered by Prev then Next.
type Snapshot struct {
	LastByte    byte         `json:"last_byte"`
	Transitions []Transition `json:"transitions"`
}

// Snapshot returns a copy of everything the model has learned.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{LastByte: m.lastByte, Transitions: []Transition{}}
	for c := range m.contexts {
		h := &m.contexts[c]
		if h.total == 0 {
			continue
		}
		for v, n := range h.counts {
			if n > 0 {
				snap.Transitions = append(snap.Transitions, Transition{Prev: byte(c), Next: byte(v), Count: n})
			}
		}
	}
	return snap
}

// Restore replaces the learned state of the model with snap, including the
// last trained byte. On error the model is left unchanged.
func (m *Model) Restore(snap Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	var contexts [HistogramSize]Histogram
	var grandTotal uint64
	for _, t := range snap.Transitions {
		grandTotal = addDelta(grandTotal, contexts[t.Prev].add(t.Next, t.Count))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = contexts
	m.grandTotal = grandTotal
	m.lastByte = snap.LastByte

	m.logger.Info("Model restored",
		slog.Int("transitions", len(snap.Transitions)),
		slog.Uint64("grand_total", grandTotal),
	)
	return nil
}

// Merge adds the counts in snap to what the model has already learned. The
// model's own last trained byte is kept. On error the model is left unchanged.
func (m *Model) Merge(snap Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range snap.Transitions {
		m.grandTotal = addDelta(m.grandTotal, m.contexts[t.Prev].add(t.Next, t.Count))
	}

	m.logger.Info("Model merged",
		slog.Int("transitions_merged", len(snap.Transitions)),
		slog.Uint64("grand_total", m.grandTotal),
	)
	return nil
}

// validate rejects zero counts and duplicated transitions.
func (s Snapshot) validate() error {
	var seen [HistogramSize][HistogramSize]bool
	for _, t := range s.Transitions {
		if t.Count == 0 {
			return fmt.Errorf("%w: zero count for transition %d -> %d", ErrInvalidSnapshot, t.Prev, t.Next)
		}
		if seen[t.Prev][t.Next] {
			return fmt.Errorf("%w: duplicate transition %d -> %d", ErrInvalidSnapshot, t.Prev, t.Next)
		}
		seen[t.Prev][t.Next] = true
	}
	return nil
}

// ExportJSON serializes the model into indented JSON and writes it to w.
// This is useful for backups or for transferring models.
func (m *Model) ExportJSON(w io.Writer) error {
	snap := m.Snapshot()
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// ImportJSON reads a JSON snapshot from r and merges it into the model:
// counts are added to the existing ones, as with Merge.
func (m *Model) ImportJSON(r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode json snapshot: %w", err)
	}
	return m.Merge(snap)
}
