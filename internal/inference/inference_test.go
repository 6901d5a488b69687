package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/model"
	"github.com/Brownie44l1/segcam/internal/stats"
)

func schedule(p *Policy, n int, maskAfterFirst bool) []int {
	var got []int
	for i := 1; i <= n; i++ {
		if p.Decide() {
			got = append(got, i)
			if maskAfterFirst {
				p.MaskReady()
			}
		}
	}
	return got
}

func TestPolicySchedule(t *testing.T) {
	tests := []struct {
		interval uint32
		want     []int
	}{
		{0, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{1, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{2, []int{1, 2, 4, 6, 8, 10}},
		{3, []int{1, 3, 6, 9}},
		{5, []int{1, 5, 10}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schedule(NewPolicy(tt.interval), 10, true), "interval %d", tt.interval)
	}
}

func TestPolicyAtMostOncePerInterval(t *testing.T) {
	for _, n := range []uint32{2, 3, 4, 7} {
		got := schedule(NewPolicy(n), 100, true)
		for i := 2; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i]-got[i-1], int(n))
		}
	}
}

func TestPolicyWithoutMaskSubmitsEverything(t *testing.T) {
	got := schedule(NewPolicy(4), 6, false)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, got)
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	fail    map[int]error
	gate    chan struct{}
	started chan struct{}
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) Infer(in []float32) ([]float32, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	err := b.fail[n]
	b.mu.Unlock()

	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	if err != nil {
		return nil, err
	}
	return []float32{0.9, 0.9, 0.1, 0.1}, nil
}

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var _ model.Backend = (*fakeBackend)(nil)

func pair(seq uint64) frame.Pair {
	ts := time.Unix(0, 0).Add(time.Duration(seq) * 33 * time.Millisecond)
	return frame.Pair{
		Seq:       seq,
		Timestamp: ts,
		High:      frame.Blank(4, 4, frame.RGBA, ts),
		Low:       frame.Blank(2, 2, frame.RGBA, ts),
	}
}

type harness struct {
	in    chan frame.Pair
	out   chan frame.MaskedPair
	errc  chan error
	stats *stats.Counters
	stop  context.CancelFunc
}

func start(t *testing.T, b model.Backend, skip uint32, maxFailures int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		in:    make(chan frame.Pair),
		out:   make(chan frame.MaskedPair, 8),
		errc:  make(chan error, 1),
		stats: stats.New(16),
		stop:  cancel,
	}
	st := New(b, Options{SkipInterval: skip, MaxFailures: maxFailures, Stats: h.stats})
	go func() { h.errc <- st.Run(ctx, h.in, h.out) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) next(t *testing.T) frame.MaskedPair {
	t.Helper()
	select {
	case mp := <-h.out:
		return mp
	case err := <-h.errc:
		t.Fatalf("stage stopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no output")
	}
	return frame.MaskedPair{}
}

func TestStageSkipSchedule(t *testing.T) {
	b := &fakeBackend{}
	h := start(t, b, 2, 3)

	var got []frame.MaskedPair
	for seq := uint64(1); seq <= 10; seq++ {
		h.in <- pair(seq)
		got = append(got, h.next(t))
	}

	var inferred []uint64
	for i, mp := range got {
		require.Equal(t, uint64(i+1), mp.Pair.Seq)
		require.NotNil(t, mp.Mask)
		if mp.Mask.Seq == mp.Pair.Seq {
			inferred = append(inferred, mp.Pair.Seq)
			assert.False(t, mp.Reused)
		} else {
			assert.True(t, mp.Reused)
			assert.Equal(t, got[i-1].Mask.ID, mp.Mask.ID, "seq %d reuses the preceding mask", mp.Pair.Seq)
		}
	}
	assert.Equal(t, []uint64{1, 2, 4, 6, 8, 10}, inferred)
	assert.Equal(t, 6, b.Calls())
	assert.Equal(t, uint64(4), h.stats.Reused.Load())
}

func TestStageFailureKeepsPreviousMask(t *testing.T) {
	b := &fakeBackend{fail: map[int]error{2: model.ErrTimeout}}
	h := start(t, b, 0, 3)

	h.in <- pair(1)
	first := h.next(t)
	require.NotNil(t, first.Mask)

	h.in <- pair(2)
	second := h.next(t)
	require.NotNil(t, second.Mask)
	assert.Equal(t, first.Mask.ID, second.Mask.ID)
	assert.Equal(t, first.Mask.Frame.Pix(), second.Mask.Frame.Pix())
	assert.True(t, second.Reused)

	h.in <- pair(3)
	third := h.next(t)
	assert.Equal(t, uint64(3), third.Mask.Seq)
	assert.Equal(t, uint64(1), h.stats.InferenceFailures.Load())
}

func TestStageEscalatesRepeatedFailures(t *testing.T) {
	boom := errors.New("device lost")
	b := &fakeBackend{fail: map[int]error{1: boom, 2: boom, 3: boom}}
	h := start(t, b, 0, 2)

	for seq := uint64(1); seq <= 2; seq++ {
		h.in <- pair(seq)
		mp := h.next(t)
		assert.Nil(t, mp.Mask, "no mask has ever been produced")
	}

	h.in <- pair(3)
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, ErrBackendUnusable)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop")
	}
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case mp := <-h.out:
		t.Fatalf("pair %d released early", mp.Pair.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStageDropsOldestSubmission(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	h := start(t, b, 0, 3)

	h.in <- pair(1)
	<-b.started // the runner holds pair 1
	h.in <- pair(2)
	h.in <- pair(3) // replaces pair 2 in the slot

	// Nothing leaves while pair 1 waits on its own mask.
	h.quiet(t)

	b.gate <- struct{}{} // finish pair 1
	a, c := h.next(t), h.next(t)
	assert.Equal(t, uint64(1), a.Pair.Seq)
	require.NotNil(t, a.Mask)
	assert.Equal(t, uint64(1), a.Mask.Seq)
	assert.False(t, a.Reused)

	// The evicted pair goes out with the mask that was fresh when it left.
	assert.Equal(t, uint64(2), c.Pair.Seq)
	require.NotNil(t, c.Mask)
	assert.Equal(t, uint64(1), c.Mask.Seq)
	assert.True(t, c.Reused)

	<-b.started // the runner picked up pair 3
	b.gate <- struct{}{}

	last := h.next(t)
	assert.Equal(t, uint64(3), last.Pair.Seq)
	require.NotNil(t, last.Mask)
	assert.Equal(t, uint64(3), last.Mask.Seq)

	assert.Equal(t, 2, b.Calls())
	assert.Equal(t, uint64(1), h.stats.SubmissionsDropped.Load())
	assert.Zero(t, h.stats.StaleResults.Load())
}

func TestStageSkippedPairsWaitForFresherMask(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	h := start(t, b, 3, 3)

	// Warm-up: pair 1 yields the first mask.
	h.in <- pair(1)
	<-b.started
	b.gate <- struct{}{}
	require.Equal(t, uint64(1), h.next(t).Mask.Seq)

	h.in <- pair(2) // reuses mask 1 at once
	assert.Equal(t, uint64(1), h.next(t).Mask.Seq)

	h.in <- pair(3) // scheduled
	<-b.started
	h.in <- pair(4) // skipped, queued behind pair 3
	h.in <- pair(5)
	h.quiet(t)

	b.gate <- struct{}{}
	for seq := uint64(3); seq <= 5; seq++ {
		mp := h.next(t)
		assert.Equal(t, seq, mp.Pair.Seq)
		require.NotNil(t, mp.Mask)
		assert.Equal(t, uint64(3), mp.Mask.Seq, "pair %d", seq)
	}
}

func TestStageReleasesHeldPairsPastLimit(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	defer close(b.gate)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	in, out := make(chan frame.Pair), make(chan frame.MaskedPair, 8)
	st := New(b, Options{MaxFailures: 3, MaxHeld: 3})
	go st.Run(ctx, in, out)

	in <- pair(1)
	<-b.started
	in <- pair(2)
	in <- pair(3)

	select {
	case mp := <-out:
		t.Fatalf("pair %d released below the limit", mp.Pair.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	// A fourth queued pair releases the stuck head and the evicted ones after it.
	in <- pair(4)
	for seq := uint64(1); seq <= 3; seq++ {
		select {
		case mp := <-out:
			assert.Equal(t, seq, mp.Pair.Seq)
			assert.Nil(t, mp.Mask)
		case <-time.After(2 * time.Second):
			t.Fatalf("pair %d still held", seq)
		}
	}
}

func TestStageNeverBlocksOnSlowModel(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	h := start(t, b, 0, 3)
	defer close(b.gate)

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 20; seq++ {
			h.in <- pair(seq)
		}
		close(done)
	}()

	var seqs []uint64
	for len(seqs) < 18 {
		seqs = append(seqs, h.next(t).Pair.Seq)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked behind the model")
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestStageStopsOnCancel(t *testing.T) {
	h := start(t, &fakeBackend{}, 0, 3)
	h.stop()
	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop")
	}
}

func TestStageClosedInput(t *testing.T) {
	h := start(t, &fakeBackend{}, 0, 3)
	close(h.in)
	select {
	case err := <-h.errc:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop")
	}
}
