// Package inference runs the segmentation model beside the display path.
//
// The stage is split in two goroutines. The gate receives every decoded pair,
// applies the skip policy, owns the last mask and emits one MaskedPair per
// pair, in capture order. The runner owns the model backend and processes one
// submission at a time from a capacity-1 drop-oldest slot, so a slow model
// call never blocks the decoder.
//
// A submitted pair is held until its own mask arrives or its submission is
// evicted; later pairs queue behind it and leave with the freshest mask. This
// bounds mask staleness by the skip interval plus one model call. The queue is
// capped so a stuck model degrades to reuse instead of freezing the display.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/mailbox"
	"github.com/Brownie44l1/segcam/internal/model"
	"github.com/Brownie44l1/segcam/internal/stage"
	"github.com/Brownie44l1/segcam/internal/stats"
)

// ErrBackendUnusable is returned once the model has failed too many times in a row.
var ErrBackendUnusable = errors.New("inference backend unusable")

type Options struct {
	SkipInterval uint32
	MaxFailures  int // consecutive failures tolerated; the next one is fatal
	MaxHeld      int // pairs queued behind an unanswered submission before it is released
	Stats        *stats.Counters
	Logger       *slog.Logger
}

type Stage struct {
	backend     model.Backend
	policy      *Policy
	maxFailures int
	maxHeld     int
	stats       *stats.Counters
	log         *slog.Logger

	slot    *mailbox.Slot[frame.Pair]
	results chan result

	// Gate state, touched only by the gate goroutine.
	lastMask    *frame.Mask
	pending     []held // admitted, not yet emitted, ascending Seq
	lastEmitted uint64
	failures    int
}

type held struct {
	pair     frame.Pair
	awaiting bool        // submitted, neither evicted nor answered
	mask     *frame.Mask // the pair's own mask once inferred
}

const defaultMaxHeld = 8

type result struct {
	seq     uint64
	mask    *frame.Mask
	err     error
	elapsed time.Duration
}

func New(backend model.Backend, opts Options) *Stage {
	if opts.Stats == nil {
		opts.Stats = stats.New(1)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 1
	}
	if opts.MaxHeld <= 0 {
		opts.MaxHeld = defaultMaxHeld
	}
	return &Stage{
		backend:     backend,
		policy:      NewPolicy(opts.SkipInterval),
		maxFailures: opts.MaxFailures,
		maxHeld:     opts.MaxHeld,
		stats:       opts.Stats,
		log:         opts.Logger,
		slot:        mailbox.New[frame.Pair](),
		results:     make(chan result),
	}
}

// Run processes pairs from in until ctx is done or a fatal error occurs.
func (s *Stage) Run(ctx context.Context, in <-chan frame.Pair, out chan<- frame.MaskedPair) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runModel(ctx) })
	g.Go(func() error { return s.gate(ctx, in, out) })
	return g.Wait()
}

func (s *Stage) runModel(ctx context.Context) error {
	for {
		var pair frame.Pair
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pair = <-s.slot.C():
			s.slot.Took()
		}

		// Model calls cannot be interrupted; the backend bounds them.
		start := time.Now()
		out, err := s.backend.Infer(pair.Low.Planar())
		r := result{seq: pair.Seq, err: err, elapsed: time.Since(start)}
		if err == nil {
			r.mask, r.err = frame.NewMask(pair, out)
		}

		select {
		case s.results <- r:
		case <-ctx.Done():
			s.log.Debug("discarding inference result after shutdown", "seq", pair.Seq)
			return ctx.Err()
		}
	}
}

func (s *Stage) gate(ctx context.Context, in <-chan frame.Pair, out chan<- frame.MaskedPair) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pair, ok := <-in:
			if !ok {
				return fmt.Errorf("inference input: %w", stage.ErrChannelClosed)
			}
			if err := s.admit(ctx, pair, out); err != nil {
				return err
			}
		case r := <-s.results:
			if err := s.resolve(ctx, r, out); err != nil {
				return err
			}
		}
	}
}

func (s *Stage) admit(ctx context.Context, pair frame.Pair, out chan<- frame.MaskedPair) error {
	submit := s.policy.Decide()
	s.pending = append(s.pending, held{pair: pair, awaiting: submit})
	if submit {
		s.stats.Submitted.Add(1)
		if old, dropped := s.slot.Put(pair); dropped {
			s.stats.SubmissionsDropped.Add(1)
			s.log.Debug("model busy, replacing pending submission", "dropped", old.Seq, "seq", pair.Seq)
			s.settle(old.Seq, nil)
		}
	}
	return s.drain(ctx, out)
}

func (s *Stage) resolve(ctx context.Context, r result, out chan<- frame.MaskedPair) error {
	s.stats.ObserveInference(r.elapsed)
	waiting := s.settle(r.seq, r.mask)

	if r.err != nil {
		s.failures++
		s.stats.InferenceFailures.Add(1)
		s.log.Warn("inference failed, keeping previous mask",
			"seq", r.seq, "consecutive", s.failures, "error", r.err)
		if s.failures > s.maxFailures {
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrBackendUnusable, s.failures, r.err)
		}
		return s.drain(ctx, out)
	}

	s.failures = 0
	s.stats.Inferences.Add(1)
	s.lastMask = r.mask
	s.policy.MaskReady()

	if !waiting {
		// Its pair was released with an older mask; the new mask still
		// serves every later pair.
		s.stats.StaleResults.Add(1)
	}
	return s.drain(ctx, out)
}

// settle marks the pending pair seq as no longer waiting on the model and
// records its mask, if any. It reports whether the pair was still pending.
func (s *Stage) settle(seq uint64, mask *frame.Mask) bool {
	for i := range s.pending {
		if s.pending[i].pair.Seq == seq {
			s.pending[i].awaiting = false
			s.pending[i].mask = mask
			return true
		}
	}
	return false
}

// drain emits pending pairs in capture order up to the first one still
// waiting on the model. Once more than maxHeld pairs are queued the head goes
// out with the current mask regardless.
func (s *Stage) drain(ctx context.Context, out chan<- frame.MaskedPair) error {
	for len(s.pending) > 0 {
		h := s.pending[0]
		if h.awaiting && len(s.pending) <= s.maxHeld {
			return nil
		}
		s.pending = s.pending[1:]

		mask := h.mask
		if mask == nil {
			mask = s.lastMask
		}
		if err := s.send(ctx, out, h.pair, mask); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) send(ctx context.Context, out chan<- frame.MaskedPair, pair frame.Pair, mask *frame.Mask) error {
	if pair.Seq <= s.lastEmitted {
		return nil
	}
	s.lastEmitted = pair.Seq
	mp := frame.MaskedPair{Pair: pair, Mask: mask, Reused: mask != nil && mask.Seq != pair.Seq}
	if mp.Reused {
		s.stats.Reused.Add(1)
	}
	return stage.Send(ctx, out, mp)
}
