// Package composite applies segmentation masks to display frames.
package composite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/stage"
	"github.com/Brownie44l1/segcam/internal/stats"
)

type Mode int

const (
	// Threshold keeps a pixel when its mask value is above the threshold and
	// replaces it with the background colour otherwise.
	Threshold Mode = iota
	// Alpha blends pixel and background using the mask as opacity.
	Alpha
)

func ParseMode(name string) (Mode, error) {
	switch name {
	case "threshold":
		return Threshold, nil
	case "alpha":
		return Alpha, nil
	}
	return 0, fmt.Errorf("unknown composite mode %q", name)
}

// Compositor is stateless: the same pair and mask always give the same output.
type Compositor struct {
	mode       Mode
	threshold  uint8
	background [4]uint8
	filter     frame.Filter
}

// New builds a compositor. filter must be the decoder's resize filter so that
// masks are upscaled the same way frames were downscaled.
func New(cfg config.CompositeConfig, filter frame.Filter) (*Compositor, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Compositor{
		mode:       mode,
		threshold:  cfg.Threshold,
		background: cfg.Background,
		filter:     filter,
	}, nil
}

// Compose applies m to the high-res frame of p. A nil mask passes the frame
// through unchanged with Masked unset.
func (c *Compositor) Compose(p frame.Pair, m *frame.Mask) frame.Composite {
	out := frame.Composite{
		Seq:       p.Seq,
		Timestamp: p.Timestamp,
		Frame:     p.High,
		Low:       p.Low,
	}
	if m == nil {
		return out
	}

	high := p.High
	alpha := m.Frame.Resize(high.Width(), high.Height(), c.filter)
	f := frame.Blank(high.Width(), high.Height(), high.Layout(), p.Timestamp)
	c.apply(f.Pix(), high.Pix(), high.Layout().Channels(), alpha.Pix())

	out.Frame = f
	out.Masked = true
	out.Reused = m.Seq != p.Seq
	out.MaskID = m.ID
	out.MaskSeq = m.Seq
	out.MaskTimestamp = m.Timestamp
	out.MaskFrame = m.Frame
	return out
}

func (c *Compositor) apply(dst, src []byte, channels int, mask []byte) {
	bg := c.background

	for i, a := range mask {
		s := src[i*channels : i*channels+channels]
		d := dst[i*channels : i*channels+channels]

		switch c.mode {
		case Threshold:
			if a > c.threshold {
				copy(d, s)
			} else {
				copy(d, bg[:channels])
			}
		case Alpha:
			fa := uint32(a)
			ba := 255 - fa
			for ch := range d {
				d[ch] = byte((uint32(s[ch])*fa + uint32(bg[ch])*ba + 127) / 255)
			}
		}
	}
}

// Publisher delivers composites to the sinks without blocking.
type Publisher interface {
	Publish(frame.Composite)
}

// Run composes every masked pair from in and hands the result to pub.
func (c *Compositor) Run(ctx context.Context, in <-chan frame.MaskedPair, pub Publisher, st *stats.Counters, logger *slog.Logger) error {
	for {
		mp, err := stage.Recv(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("compositor input: %w", err)
		}

		comp := c.Compose(mp.Pair, mp.Mask)
		st.Composited.Add(1)
		if !comp.Masked {
			st.Passthrough.Add(1)
		}
		st.ObserveLatency(time.Since(comp.Timestamp))

		logger.Debug("composited", "seq", comp.Seq, "masked", comp.Masked,
			"reused", comp.Reused, "mask_age", comp.MaskAge())
		pub.Publish(comp)
	}
}
