package model

import (
	"fmt"
	"time"
)

// Deadline bounds the latency of a Backend whose calls cannot be interrupted.
// A call that overruns returns ErrTimeout while the underlying call keeps
// running; its result is discarded and the next call waits for it first.
type Deadline struct {
	backend Backend
	limit   time.Duration
	busy    chan struct{} // closed when an abandoned call returns
}

func WithTimeout(b Backend, limit time.Duration) *Deadline {
	return &Deadline{backend: b, limit: limit}
}

func (d *Deadline) Name() string { return d.backend.Name() }

func (d *Deadline) Infer(input []float32) ([]float32, error) {
	timer := time.NewTimer(d.limit)
	defer timer.Stop()

	if d.busy != nil {
		select {
		case <-d.busy:
			d.busy = nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: previous call still running after %s", ErrTimeout, d.limit)
		}
	}

	var (
		out  []float32
		err  error
		done = make(chan struct{})
	)
	go func() {
		out, err = d.backend.Infer(input)
		close(done)
	}()

	select {
	case <-done:
		return out, err
	case <-timer.C:
		d.busy = done
		return nil, fmt.Errorf("%w: no result after %s", ErrTimeout, d.limit)
	}
}

// Close waits for an abandoned call before releasing the backend.
func (d *Deadline) Close() error {
	if d.busy != nil {
		<-d.busy
		d.busy = nil
	}
	return d.backend.Close()
}
