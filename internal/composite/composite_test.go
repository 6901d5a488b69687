package composite

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/stats"
)

func solid(t *testing.T, w, h int, layout frame.Layout, px []byte, ts time.Time) frame.Frame {
	t.Helper()
	pix := make([]byte, 0, w*h*len(px))
	for i := 0; i < w*h; i++ {
		pix = append(pix, px...)
	}
	f, err := frame.New(w, h, layout, pix, ts)
	require.NoError(t, err)
	return f
}

func testPair(t *testing.T, seq uint64) frame.Pair {
	ts := time.Unix(int64(seq), 0)
	return frame.Pair{
		Seq:       seq,
		Timestamp: ts,
		High:      solid(t, 4, 4, frame.RGBA, []byte{200, 100, 50, 255}, ts),
		Low:       solid(t, 2, 2, frame.RGBA, []byte{200, 100, 50, 255}, ts),
	}
}

// Left column foreground, right column background.
func halfMask(t *testing.T, seq uint64) *frame.Mask {
	f, err := frame.New(2, 2, frame.Gray, []byte{255, 0, 255, 0}, time.Unix(int64(seq), 0))
	require.NoError(t, err)
	return &frame.Mask{ID: uuid.New(), Seq: seq, Timestamp: f.Timestamp(), Frame: f}
}

func newCompositor(t *testing.T, mode string, filter frame.Filter) *Compositor {
	t.Helper()
	cfg := config.Default().Composite
	cfg.Mode = mode
	c, err := New(cfg, filter)
	require.NoError(t, err)
	return c
}

func TestPassThroughWithoutMask(t *testing.T) {
	c := newCompositor(t, "threshold", frame.Nearest)
	p := testPair(t, 1)

	out := c.Compose(p, nil)
	assert.False(t, out.Masked)
	assert.False(t, out.Reused)
	assert.Equal(t, uuid.Nil, out.MaskID)
	assert.Equal(t, p.High.Pix(), out.Frame.Pix())
	assert.Equal(t, p.Timestamp, out.Timestamp)
}

func TestThresholdMode(t *testing.T) {
	c := newCompositor(t, "threshold", frame.Nearest)
	p := testPair(t, 1)
	m := halfMask(t, 1)

	out := c.Compose(p, m)
	require.True(t, out.Masked)
	assert.False(t, out.Reused)
	assert.Equal(t, m.ID, out.MaskID)

	keep := []byte{200, 100, 50, 255}
	drop := []byte{0, 0, 0, 0}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			i := (y*4 + x) * 4
			want := keep
			if x >= 2 {
				want = drop
			}
			assert.Equal(t, want, out.Frame.Pix()[i:i+4], "pixel %d,%d", x, y)
		}
	}

	// The source frame is untouched.
	assert.Equal(t, []byte{200, 100, 50, 255}, p.High.Pix()[12:16])
}

func TestThresholdIsStrict(t *testing.T) {
	c := newCompositor(t, "threshold", frame.Nearest)
	p := testPair(t, 1)
	f, err := frame.New(2, 2, frame.Gray, []byte{235, 236, 235, 236}, p.Timestamp)
	require.NoError(t, err)

	out := c.Compose(p, &frame.Mask{Seq: 1, Frame: f})
	assert.Equal(t, []byte{0, 0, 0, 0}, out.Frame.Pix()[0:4])
	assert.Equal(t, []byte{200, 100, 50, 255}, out.Frame.Pix()[8:12])
}

func TestAlphaMode(t *testing.T) {
	cfg := config.Default().Composite
	cfg.Mode = "alpha"
	cfg.Background = [4]uint8{0, 255, 0, 255}
	c, err := New(cfg, frame.Nearest)
	require.NoError(t, err)

	p := testPair(t, 1)
	f, err := frame.New(2, 2, frame.Gray, []byte{255, 0, 128, 128}, p.Timestamp)
	require.NoError(t, err)

	out := c.Compose(p, &frame.Mask{Seq: 1, Frame: f})
	px := out.Frame.Pix()
	assert.Equal(t, []byte{200, 100, 50, 255}, px[0:4], "opaque mask keeps the pixel")
	assert.Equal(t, []byte{0, 255, 0, 255}, px[8:12], "clear mask shows the background")
	// (200*128 + 0*127 + 127) / 255 = 100
	assert.Equal(t, []byte{100, 177, 25, 255}, px[32:36])
}

func TestComposeIsDeterministic(t *testing.T) {
	for _, filter := range []frame.Filter{frame.Nearest, frame.Linear} {
		for _, mode := range []string{"threshold", "alpha"} {
			c := newCompositor(t, mode, filter)
			p := testPair(t, 5)
			m := halfMask(t, 3)

			a := c.Compose(p, m)
			b := c.Compose(p, m)
			if diff := cmp.Diff(a.Frame.Pix(), b.Frame.Pix()); diff != "" {
				t.Errorf("%s/%v: composites differ (-a +b):\n%s", mode, filter, diff)
			}
			assert.True(t, a.Reused)
			assert.Equal(t, uint64(3), a.MaskSeq)
			assert.Equal(t, 2*time.Second, a.MaskAge())
		}
	}
}

func TestRGBLayout(t *testing.T) {
	c := newCompositor(t, "threshold", frame.Nearest)
	ts := time.Unix(1, 0)
	p := frame.Pair{
		Seq:       1,
		Timestamp: ts,
		High:      solid(t, 4, 4, frame.RGB, []byte{9, 8, 7}, ts),
		Low:       solid(t, 2, 2, frame.RGB, []byte{9, 8, 7}, ts),
	}
	out := c.Compose(p, halfMask(t, 1))
	assert.Equal(t, frame.RGB, out.Frame.Layout())
	assert.Equal(t, []byte{9, 8, 7, 9, 8, 7, 0, 0, 0, 0, 0, 0}, out.Frame.Pix()[:12])
}

type collector struct {
	mu  sync.Mutex
	got []frame.Composite
}

func (c *collector) Publish(f frame.Composite) {
	c.mu.Lock()
	c.got = append(c.got, f)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRun(t *testing.T) {
	c := newCompositor(t, "threshold", frame.Nearest)
	in := make(chan frame.MaskedPair)
	pub := &collector{}
	st := stats.New(4)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(ctx, in, pub, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	in <- frame.MaskedPair{Pair: testPair(t, 1)}
	in <- frame.MaskedPair{Pair: testPair(t, 2), Mask: halfMask(t, 2)}
	require.Eventually(t, func() bool { return pub.len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, uint64(2), st.Composited.Load())
	assert.Equal(t, uint64(1), st.Passthrough.Load())
}
