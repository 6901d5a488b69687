package pipeline

import (
	"context"
	"errors"

	"github.com/Brownie44l1/segcam/internal/capture"
	"github.com/Brownie44l1/segcam/internal/decode"
	"github.com/Brownie44l1/segcam/internal/model"
	"github.com/Brownie44l1/segcam/internal/sink"
	"github.com/Brownie44l1/segcam/internal/stage"
)

// ErrChannelClosed is reported when a stage finds its input channel closed.
var ErrChannelClosed = stage.ErrChannelClosed

// Errors a stage absorbs: the current unit of work is dropped and the stage
// carries on.
var recoverable = []error{
	capture.ErrTransientRead,
	decode.ErrCorruptFrame,
	model.ErrTimeout,
	sink.ErrSinkClosed,
}

// IsFatal reports whether err must stop the pipeline. Cancellation is a
// normal shutdown, not a failure.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	for _, r := range recoverable {
		if errors.Is(err, r) {
			return false
		}
	}
	return true
}
