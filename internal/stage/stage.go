// Package stage holds the channel helpers shared by every pipeline stage.
//
// Stage channels are never closed: shutdown is signalled through the context.
// A receive that observes a closed channel therefore means the producer broke
// the wiring contract and is reported as ErrChannelClosed, which is fatal.
package stage

import (
	"context"
	"errors"
)

var ErrChannelClosed = errors.New("stage channel closed unexpectedly")

// Send delivers v or gives up when ctx is done.
func Send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next value or for ctx to be done.
func Recv[T any](ctx context.Context, ch <-chan T) (T, error) {
	select {
	case v, ok := <-ch:
		if !ok {
			return v, ErrChannelClosed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
