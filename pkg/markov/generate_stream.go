package markov

import (
	"context"
	"fmt"
	"log/slog"
)

// GenerateStream runs the same process as Generate but delivers bytes one at a
// time on the returned channel, without zero padding. The channel is closed
// once a Terminator is drawn, length bytes were sent, or ctx is cancelled.
//
// The model lock is taken per draw rather than for the whole stream, so a
// slow reader never holds up training. A long stream may therefore observe
// training that happens while it runs.
func (m *Model) GenerateStream(ctx context.Context, length int) (<-chan byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length > m.maxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthTooLarge, length, m.maxLength)
	}

	out := make(chan byte)
	go func() {
		defer close(out)
		if length == 0 {
			return
		}

		m.mu.Lock()
		current := drawStartContext(m)
		logger := m.logger
		m.mu.Unlock()

		for sent := 0; sent < length; sent++ {
			m.mu.Lock()
			value := drawFromHistogram(&m.contexts[current], m.rng)
			m.mu.Unlock()

			if value == Terminator {
				logger.DebugContext(ctx, "Generation stream terminated by terminator byte",
					slog.Int("generated_length", sent),
				)
				return
			}
			select {
			case <-ctx.Done():
				logger.DebugContext(ctx, "Generation stream cancelled by context")
				return
			case out <- value:
			}
			current = value
		}
	}()
	return out, nil
}
