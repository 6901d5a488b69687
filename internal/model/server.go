package model

import (
	"fmt"
	"log/slog"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/segcam/internal/config"
)

// Session runs an ONNX model through onnxruntime with input and output
// tensors bound once at creation.
type Session struct {
	session      *ort.AdvancedSession
	spec         TensorSpec
	provider     string
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewSession initialises the onnxruntime environment and loads the model.
// The execution provider is chosen once: "cuda" requires a GPU, "cpu" never
// uses one and "auto" tries CUDA before falling back to the CPU.
func NewSession(cfg config.InferenceConfig, spec TensorSpec, logger *slog.Logger) (*Session, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.InputShape()...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.OutputShape()...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s := &Session{spec: spec, inputTensor: inputTensor, outputTensor: outputTensor}

	var lastErr error
	for _, provider := range providerOrder(cfg.Provider) {
		session, err := newAdvancedSession(cfg, provider, inputTensor, outputTensor)
		if err != nil {
			lastErr = err
			logger.Warn("execution provider unavailable", "provider", provider, "error", err)
			continue
		}
		s.session = session
		s.provider = provider
		break
	}
	if s.session == nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", lastErr)
	}

	logger.Info("model loaded", "path", cfg.ModelPath, "provider", s.provider,
		"input", spec.InputShape(), "output", spec.OutputShape())
	return s, nil
}

func providerOrder(provider string) []string {
	switch provider {
	case "cuda":
		return []string{"cuda"}
	case "cpu":
		return []string{"cpu"}
	default:
		return []string{"cuda", "cpu"}
	}
}

func newAdvancedSession(cfg config.InferenceConfig, provider string, in, out *ort.Tensor[float32]) (*ort.AdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if provider == "cuda" {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda options: %w", err)
		}
		defer cuda.Destroy()

		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)}); err != nil {
			return nil, fmt.Errorf("cuda device %d: %w", cfg.DeviceID, err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}

	return ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out},
		opts)
}

func (s *Session) Name() string { return "onnx/" + s.provider }

// Provider reports the execution provider in use.
func (s *Session) Provider() string { return s.provider }

func (s *Session) Infer(input []float32) ([]float32, error) {
	if err := s.spec.checkInput(input); err != nil {
		return nil, err
	}
	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// The output tensor is overwritten by the next Run.
	return append([]float32(nil), s.outputTensor.GetData()...), nil
}

func (s *Session) Close() error {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
