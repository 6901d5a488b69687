package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a model call exceeds the configured budget.
	ErrTimeout = errors.New("inference timed out")
	// ErrShape is returned when a tensor does not match the model contract.
	ErrShape = errors.New("tensor shape mismatch")
)

// Backend runs the segmentation model synchronously. Implementations are
// owned by a single goroutine and need no locking.
type Backend interface {
	// Infer maps a [1, C, H, W] normalised planar tensor to a [1, 1, H, W]
	// foreground map with values in [0, 1].
	Infer(input []float32) ([]float32, error)
	Name() string
	Close() error
}

// TensorSpec is the fixed tensor contract of the model.
type TensorSpec struct {
	Channels int
	Height   int
	Width    int
}

func (s TensorSpec) InputShape() []int64 {
	return []int64{1, int64(s.Channels), int64(s.Height), int64(s.Width)}
}

func (s TensorSpec) OutputShape() []int64 {
	return []int64{1, 1, int64(s.Height), int64(s.Width)}
}

func (s TensorSpec) InputLen() int  { return s.Channels * s.Height * s.Width }
func (s TensorSpec) OutputLen() int { return s.Height * s.Width }

func (s TensorSpec) checkInput(input []float32) error {
	if len(input) != s.InputLen() {
		return fmt.Errorf("%w: expected %d input values, got %d", ErrShape, s.InputLen(), len(input))
	}
	return nil
}

func (s TensorSpec) checkOutput(output []float32) error {
	if len(output) != s.OutputLen() {
		return fmt.Errorf("%w: expected %d output values, got %d", ErrShape, s.OutputLen(), len(output))
	}
	return nil
}
