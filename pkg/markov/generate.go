package markov

import (
	"fmt"
	"log/slog"
)

// Terminator is the byte value that ends a generated sequence early.
const Terminator = 0

// Generate produces a sequence of exactly length bytes and returns it with the
// number of bytes actually generated.
//
// Generation starts from a context drawn in proportion to the per-context
// totals, then repeatedly draws the next byte from the histogram of the
// previous one. It stops when a Terminator is drawn or length bytes were
// produced. Every byte from the returned used length onwards is zero.
//
// An untrained model yields an all-zero buffer and a used length of 0. A
// negative length returns ErrInvalidLength and a length above MaxLength
// returns ErrLengthTooLarge.
func (m *Model) Generate(length int) ([]byte, int, error) {
	if length < 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length > m.maxLength {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrLengthTooLarge, length, m.maxLength)
	}
	buf := make([]byte, length)
	if length == 0 {
		return buf, 0, nil
	}
	used := m.generateInto(buf)
	return buf, used, nil
}

// generateInto fills buf and returns the used length. buf must be non-empty.
func (m *Model) generateInto(buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	context := drawStartContext(m)
	start := context
	used := len(buf)
	for i := range buf {
		value := drawFromHistogram(&m.contexts[context], m.rng)
		buf[i] = value
		if value == Terminator {
			used = i
			break
		}
		context = value
	}
	clear(buf[used:])

	if used < len(buf) {
		m.logger.Debug("Generation terminated by terminator byte",
			slog.Int("start_context", int(start)),
			slog.Int("requested_length", len(buf)),
			slog.Int("generated_length", used),
		)
	} else {
		m.logger.Debug("Generation terminated by reaching requested length",
			slog.Int("start_context", int(start)),
			slog.Int("requested_length", len(buf)),
		)
	}
	return used
}
