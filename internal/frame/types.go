package frame

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Compressed is one encoded frame as delivered by a capture device. Data is
// owned by the holder; sources copy out of their driver buffers.
type Compressed struct {
	Seq       uint64
	Timestamp time.Time
	Format    string // fourcc, e.g. "MJPG"
	Data      []byte
}

// Pair is the dual-resolution result of decoding one Compressed frame.
// High and Low always carry the same capture timestamp.
type Pair struct {
	Seq       uint64
	Timestamp time.Time
	High      Frame
	Low       Frame
}

// Mask is a single-channel foreground map at inference resolution.
type Mask struct {
	ID        uuid.UUID
	Seq       uint64    // sequence of the pair it was computed from
	Timestamp time.Time // capture time of that pair
	Frame     Frame
}

// NewMask builds a Mask from a model output tensor with values in [0, 1].
// Values are scaled to 8 bits by truncation, so a pixel only reaches level n
// once the model output is at least n/255.
func NewMask(p Pair, data []float32) (*Mask, error) {
	w, h := p.Low.Width(), p.Low.Height()
	if len(data) != w*h {
		return nil, fmt.Errorf("%w: mask for %dx%d needs %d values, got %d",
			ErrBufferSize, w, h, w*h, len(data))
	}

	pix := make([]byte, len(data))
	for i, v := range data {
		pix[i] = truncate(v)
	}

	return &Mask{
		ID:        uuid.New(),
		Seq:       p.Seq,
		Timestamp: p.Timestamp,
		Frame:     Frame{width: w, height: h, layout: Gray, pix: pix, timestamp: p.Timestamp},
	}, nil
}

// MaskedPair is what the inference stage hands to the compositor: the pair
// to display and the mask selected for it. Mask is nil during warm-up.
type MaskedPair struct {
	Pair   Pair
	Mask   *Mask
	Reused bool // Mask was computed from an earlier pair
}

// Composite is the final output delivered to every sink.
type Composite struct {
	Seq       uint64
	Timestamp time.Time
	Frame     Frame

	Masked        bool // false when the frame passed through without a mask
	Reused        bool
	MaskID        uuid.UUID
	MaskSeq       uint64
	MaskTimestamp time.Time

	// Inputs kept for the preview panels.
	Low       Frame
	MaskFrame Frame
}

// MaskAge is how far the mask used lags behind the displayed frame.
func (c Composite) MaskAge() time.Duration {
	if !c.Masked {
		return 0
	}
	return c.Timestamp.Sub(c.MaskTimestamp)
}

// Latency is the time elapsed since the displayed frame was captured.
func (c Composite) Latency(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}
