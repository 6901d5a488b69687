package frame

import (
	"fmt"
	"math"
	"time"
)

// Planar converts the frame into a normalised planar float32 tensor laid out
// as [channels, height, width] with values in [0, 1]. Packed colour frames
// produce three planes (R, G, B, alpha dropped); Gray frames produce one.
func (f Frame) Planar() []float32 {
	planes := 3
	if f.layout == Gray {
		planes = 1
	}
	area := f.width * f.height
	sc := f.layout.Channels()
	out := make([]float32, planes*area)

	for i := 0; i < area; i++ {
		px := f.pix[i*sc : i*sc+sc]
		for c := 0; c < planes; c++ {
			out[c*area+i] = float32(px[c]) / 255.0
		}
	}
	return out
}

// FromPlanar rebuilds a packed frame from a [channels, height, width] tensor.
// One plane yields a Gray frame, three planes an RGB frame. Values are
// clamped to [0, 1] and rounded to the nearest 8-bit level, so
// FromPlanar(f.Planar()) reproduces f exactly for RGB and Gray frames.
func FromPlanar(data []float32, planes, width, height int, ts time.Time) (Frame, error) {
	var layout Layout
	switch planes {
	case 1:
		layout = Gray
	case 3:
		layout = RGB
	default:
		return Frame{}, fmt.Errorf("unsupported plane count %d", planes)
	}

	area := width * height
	if area <= 0 || len(data) != planes*area {
		return Frame{}, fmt.Errorf("%w: %d planes of %dx%d need %d values, got %d",
			ErrBufferSize, planes, width, height, planes*area, len(data))
	}

	pix := make([]byte, planes*area)
	for i := 0; i < area; i++ {
		for c := 0; c < planes; c++ {
			pix[i*planes+c] = quantize(data[c*area+i])
		}
	}

	return Frame{width: width, height: height, layout: layout, pix: pix, timestamp: ts}, nil
}

func quantize(v float32) byte {
	switch {
	case v != v: // NaN
		return 0
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return byte(math.Round(float64(v) * 255))
}

func truncate(v float32) byte {
	switch {
	case v != v: // NaN
		return 0
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return byte(float64(v) * 255)
}
