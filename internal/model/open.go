package model

import (
	"fmt"
	"log/slog"

	"github.com/Brownie44l1/segcam/internal/config"
)

// Open creates the backend selected by cfg. It is called once at start-up;
// the pipeline only sees the Backend interface afterwards.
func Open(cfg config.InferenceConfig, spec TensorSpec, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "onnx":
		s, err := NewSession(cfg, spec, logger)
		if err != nil {
			return nil, err
		}
		return WithTimeout(s, cfg.Timeout), nil
	case "subprocess":
		return NewWorker(cfg, spec, logger)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}
