// Package pipeline wires the stages together and owns their lifetime.
//
//	source -> decoder -> inference -> compositor -> sinks
//
// Every stage runs in its own goroutine and talks to its neighbours over a
// bounded channel. The inference submission slot and every sink slot drop the
// oldest item instead of blocking. Shutdown is a single context cancellation
// observed by all stages at once; the first fatal error cancels the rest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/segcam/internal/capture"
	"github.com/Brownie44l1/segcam/internal/composite"
	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/decode"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/inference"
	"github.com/Brownie44l1/segcam/internal/model"
	"github.com/Brownie44l1/segcam/internal/sink"
	"github.com/Brownie44l1/segcam/internal/stage"
	"github.com/Brownie44l1/segcam/internal/stats"
)

// Options replaces the collaborators the scheduler would otherwise open from
// the configuration.
type Options struct {
	Source       capture.Source      // default: the V4L2 camera
	Decompressor decode.Decompressor // default: image/jpeg
	Backend      model.Backend       // default: model.Open
	Sinks        []sink.Sink
	Stats        *stats.Counters
	Logger       *slog.Logger
}

type Scheduler struct {
	cfg config.Config
	log *slog.Logger

	source     capture.Source
	decoder    *decode.Decoder
	backend    model.Backend
	inference  *inference.Stage
	compositor *composite.Compositor
	sinks      sink.Fanout
	stats      *stats.Counters
}

// TensorSpec is the model contract implied by the processing resolution.
func TensorSpec(cfg config.ProcessingConfig) model.TensorSpec {
	return model.TensorSpec{Channels: 3, Height: cfg.Height, Width: cfg.Width}
}

// New validates cfg and brings the stages up in pipeline order. Anything
// opened before a failure is closed again.
func New(cfg config.Config, opts Options) (s *Scheduler, err error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(256)
	}

	s = &Scheduler{cfg: cfg, log: opts.Logger, stats: opts.Stats}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.source = opts.Source
	if s.source == nil {
		cam, err := capture.Open(cfg.Capture, s.stageLogger("capture"))
		if err != nil {
			return nil, err
		}
		s.source = cam
	}

	if s.decoder, err = decode.New(cfg.Capture, cfg.Processing, opts.Decompressor); err != nil {
		return nil, err
	}

	s.backend = opts.Backend
	if s.backend == nil {
		if s.backend, err = model.Open(cfg.Inference, TensorSpec(cfg.Processing), s.stageLogger("model")); err != nil {
			return nil, err
		}
	}
	s.inference = inference.New(s.backend, inference.Options{
		SkipInterval: cfg.Inference.SkipInterval,
		MaxFailures:  cfg.Inference.MaxConsecutiveFailures,
		MaxHeld:      cfg.Capture.FPS, // one second of frames
		Stats:        s.stats,
		Logger:       s.stageLogger("inference"),
	})

	if s.compositor, err = composite.New(cfg.Composite, s.decoder.Filter()); err != nil {
		return nil, err
	}

	for _, sk := range opts.Sinks {
		s.sinks = append(s.sinks, sink.NewRunner(sk, s.stats.Sink(sk.Name()), s.stageLogger("sink")))
	}
	if len(s.sinks) == 0 {
		s.log.Warn("no sinks configured, composites are discarded")
	}

	s.log.Info("pipeline ready",
		"capture", fmt.Sprintf("%dx%d@%d", cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS),
		"processing", fmt.Sprintf("%dx%d", cfg.Processing.Width, cfg.Processing.Height),
		"model", s.backend.Name(),
		"skip_interval", cfg.Inference.SkipInterval,
		"sinks", len(s.sinks))
	return s, nil
}

func (s *Scheduler) stageLogger(name string) *slog.Logger {
	return s.log.With("stage", name)
}

// Stats returns the counters every stage reports into.
func (s *Scheduler) Stats() *stats.Counters { return s.stats }

// Model names the inference backend in use.
func (s *Scheduler) Model() string { return s.backend.Name() }

// Run starts every stage and blocks until ctx is cancelled or a stage fails.
// All collaborators are closed before it returns. A cancelled ctx yields nil;
// otherwise the first fatal error is returned. Run must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	depth := s.cfg.Pipeline.QueueDepth
	compressed := make(chan frame.Compressed, depth)
	pairs := make(chan frame.Pair, depth)
	masked := make(chan frame.MaskedPair, depth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.capture(gctx, compressed) })
	g.Go(func() error { return s.decode(gctx, compressed, pairs) })
	g.Go(func() error { return s.inference.Run(gctx, pairs, masked) })
	g.Go(func() error {
		return s.compositor.Run(gctx, masked, s.sinks, s.stats, s.stageLogger("composite"))
	})
	for _, r := range s.sinks {
		g.Go(func() error { return r.Run(gctx) })
	}

	err := g.Wait()
	s.close()

	if !IsFatal(err) && ctx.Err() != nil {
		s.log.Info("pipeline stopped")
		return nil
	}
	return err
}

func (s *Scheduler) capture(ctx context.Context, out chan<- frame.Compressed) error {
	log := s.stageLogger("capture")
	for {
		c, err := s.source.Next(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case IsFatal(err):
			return fmt.Errorf("capture: %w", err)
		default:
			s.stats.CaptureErrors.Add(1)
			log.Debug("skipping capture cycle", "error", err)
			continue
		}

		s.stats.Captured.Add(1)
		if err := stage.Send(ctx, out, c); err != nil {
			return err
		}
	}
}

func (s *Scheduler) decode(ctx context.Context, in <-chan frame.Compressed, out chan<- frame.Pair) error {
	log := s.stageLogger("decode")
	for {
		c, err := stage.Recv(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decoder input: %w", err)
		}

		pair, err := s.decoder.Decode(c)
		if err != nil {
			if IsFatal(err) {
				return fmt.Errorf("decode: %w", err)
			}
			s.stats.Corrupt.Add(1)
			log.Warn("dropping corrupt frame", "seq", c.Seq, "size", len(c.Data), "error", err)
			continue
		}

		s.stats.Decoded.Add(1)
		if err := stage.Send(ctx, out, pair); err != nil {
			return err
		}
	}
}

// close releases sinks, backend and source, in reverse start order.
func (s *Scheduler) close() {
	var errs []error
	for _, r := range s.sinks {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", r.Name(), err))
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("shutdown incomplete", "error", err)
	}
}
