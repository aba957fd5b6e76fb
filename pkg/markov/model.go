package markov

import (
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
)

// DefaultMaxLength is the largest sequence Generate will allocate unless
// WithMaxLength says otherwise.
const DefaultMaxLength = 1 << 20

var (
	// ErrInvalidLength is returned when a negative length is requested.
	ErrInvalidLength = errors.New("markov: invalid length")
	// ErrLengthTooLarge is returned when a requested length exceeds the
	// model's maximum, before any buffer is allocated.
	ErrLengthTooLarge = errors.New("markov: requested length exceeds maximum")
)

// Model is an order-1 Markov chain over bytes. For every possible preceding
// byte (the context) it keeps a Histogram of the bytes that followed it.
// Context 0 doubles as the initial context before anything was trained.
//
// All methods are safe for concurrent use. A single mutex guards the
// histograms, the totals, the last trained byte and the random source.
type Model struct {
	mu         sync.Mutex
	contexts   [HistogramSize]Histogram
	grandTotal uint64
	lastByte   byte

	rng          *rand.Rand
	maxLength    int
	uniformPrior bool
	logger       *slog.Logger
}

// Option configures a Model at construction time.
type Option func(*Model)

// WithRand sets the random source used for sampling. Useful for reproducible
// output; see NewRand.
func WithRand(r *rand.Rand) Option {
	return func(m *Model) {
		if r != nil {
			m.rng = r
		}
	}
}

// WithMaxLength caps the length a single Generate call may request.
// Values <= 0 are ignored.
func WithMaxLength(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.maxLength = n
		}
	}
}

// WithUniformPrior seeds context 0 with a count of one for every byte value,
// both at construction and after every Reset, so that an untrained model
// produces noise instead of nothing.
func WithUniformPrior() Option {
	return func(m *Model) { m.uniformPrior = true }
}

// WithLogger sets the logger at construction time. See SetLogger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates an empty model. Unless WithRand is given, sampling uses a
// ChaCha8 generator seeded from crypto/rand.
func New(opts ...Option) (*Model, error) {
	m := &Model{
		maxLength: DefaultMaxLength,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		r, err := newSeededRand()
		if err != nil {
			return nil, err
		}
		m.rng = r
	}
	m.clear()
	return m, nil
}

// SetLogger sets the logger for the Model. By default, all logs are discarded.
func (m *Model) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// MaxLength returns the largest length Generate accepts.
func (m *Model) MaxLength() int {
	return m.maxLength
}

// Reset discards everything the model has learned, including the last
// trained byte. Calling it repeatedly has the same effect as calling it once.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
	m.logger.Info("Model reset")
}

// clear zeroes the learned state and reapplies the prior. Callers hold mu
// or own m exclusively.
func (m *Model) clear() {
	m.contexts = [HistogramSize]Histogram{}
	m.grandTotal = 0
	m.lastByte = 0
	if m.uniformPrior {
		for v := 0; v < HistogramSize; v++ {
			m.grandTotal += uint64(m.contexts[0].Update(byte(v)))
		}
	}
}

// Histogram returns a copy of the histogram for the given context.
func (m *Model) Histogram(context byte) Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[context]
}

// GrandTotal returns the sum of all context totals.
func (m *Model) GrandTotal() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grandTotal
}

// LastByte returns the most recently trained byte, which is the context the
// next trained byte will be recorded under.
func (m *Model) LastByte() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastByte
}
