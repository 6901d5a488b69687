// Package sink delivers composited frames to their consumers. Every sink runs
// in its own goroutine behind a capacity-1 drop-oldest slot, so a slow or
// failing sink never holds up the compositor or another sink.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/mailbox"
	"github.com/Brownie44l1/segcam/internal/stats"
)

// ErrSinkClosed is returned by Consume after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink is a terminal consumer of composites. Consume must not modify the frame.
// Errors are local to the sink.
type Sink interface {
	Name() string
	Consume(frame.Composite) error
	Close() error
}

// Runner feeds one Sink.
type Runner struct {
	sink     Sink
	slot     *mailbox.Slot[frame.Composite]
	counters *stats.SinkCounters
	log      *slog.Logger
}

func NewRunner(s Sink, counters *stats.SinkCounters, logger *slog.Logger) *Runner {
	if counters == nil {
		counters = &stats.SinkCounters{}
	}
	return &Runner{
		sink:     s,
		slot:     mailbox.New[frame.Composite](),
		counters: counters,
		log:      logger.With("sink", s.Name()),
	}
}

func (r *Runner) Name() string { return r.sink.Name() }

// Offer queues c, replacing a composite the sink has not picked up yet.
func (r *Runner) Offer(c frame.Composite) {
	if old, dropped := r.slot.Put(c); dropped {
		r.counters.Dropped.Add(1)
		r.log.Debug("sink busy, dropped composite", "seq", old.Seq)
	}
}

// Run consumes queued composites until ctx is done. Sink errors are counted
// and logged, never returned.
func (r *Runner) Run(ctx context.Context) error {
	var failing bool
	for {
		c, err := r.slot.Get(ctx)
		if err != nil {
			return err
		}

		if err := r.sink.Consume(c); err != nil {
			r.counters.Failed.Add(1)
			if !failing {
				r.log.Warn("sink write failed", "seq", c.Seq, "error", err)
			} else {
				r.log.Debug("sink write failed", "seq", c.Seq, "error", err)
			}
			failing = true
			continue
		}
		if failing {
			r.log.Info("sink recovered", "seq", c.Seq)
			failing = false
		}
		r.counters.Delivered.Add(1)
	}
}

// Close releases the sink.
func (r *Runner) Close() error {
	return r.sink.Close()
}

// Fanout hands every composite to each runner.
type Fanout []*Runner

func (f Fanout) Publish(c frame.Composite) {
	for _, r := range f {
		r.Offer(c)
	}
}
