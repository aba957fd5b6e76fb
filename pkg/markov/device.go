package markov

import "io"

// Device adapts a Model to the read/write interface of a character device:
// writing trains the model and reading generates from it.
type Device struct {
	model *Model
}

// NewDevice returns a Device backed by m.
func NewDevice(m *Model) *Device {
	return &Device{model: m}
}

// Write trains the model on p. It always consumes all of p.
func (d *Device) Write(p []byte) (int, error) {
	return d.model.Train(p), nil
}

// Read fills p with a generated sequence, zero-padded after the used length,
// and returns the used length. At most MaxLength bytes are generated per call;
// the rest of a longer p is zeroed. When nothing was generated for a non-empty p
// it returns io.EOF, so readers such as io.Copy stop on an untrained model or
// on a sequence that terminated immediately.
func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := p
	if len(chunk) > d.model.MaxLength() {
		chunk = chunk[:d.model.MaxLength()]
		clear(p[len(chunk):])
	}
	n := d.model.generateInto(chunk)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

var _ io.ReadWriter = (*Device)(nil)
