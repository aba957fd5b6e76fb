package markov

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// trainChunkSize is how many bytes TrainFrom feeds to Train per lock
// acquisition.
const trainChunkSize = 32 * 1024

// Train records every byte of p, in order, under the context of the byte
// trained immediately before it. The chain is continuous across calls: the
// first byte of p is recorded under the last byte of the previous call.
// All of p is always consumed and len(p) is returned.
func (m *Model) Train(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastByte
	for _, b := range p {
		m.grandTotal = addDelta(m.grandTotal, m.contexts[prev].Update(b))
		prev = b
	}
	m.lastByte = prev

	m.logger.Debug("Training completed",
		slog.Int("bytes_trained", len(p)),
		slog.Uint64("grand_total", m.grandTotal),
	)
	return len(p)
}

// TrainFrom streams r through Train until EOF. The context is checked between
// chunks; bytes already trained stay trained when it is cancelled.
func (m *Model) TrainFrom(ctx context.Context, r io.Reader) (int64, error) {
	buf := make([]byte, trainChunkSize)
	var trained int64
	for {
		if err := ctx.Err(); err != nil {
			return trained, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			trained += int64(m.Train(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return trained, fmt.Errorf("read training data: %w", err)
		}
	}

	m.logger.InfoContext(ctx, "Training stream completed",
		slog.Int64("bytes_trained", trained),
	)
	return trained, nil
}

// addDelta applies a signed histogram delta to an unsigned aggregate.
func addDelta(total uint64, delta int64) uint64 {
	if delta < 0 {
		return total - uint64(-delta)
	}
	return total + uint64(delta)
}
