package onnx

import (
	"errors"
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	ProviderCPU  = "cpu"
	ProviderCUDA = "cuda"
)

// Session is a loaded tagger model with one float32 input and one output.
type Session struct {
	session   *ort.DynamicAdvancedSession
	input     ort.InputOutputInfo
	output    ort.InputOutputInfo
	provider  string
	inputSize int
}

// Open loads the model at path. When useGPU is set the CUDA provider is tried
// first; if it cannot be used the session falls back to CPU and Provider
// reports "cpu".
func Open(path string, useGPU bool) (*Session, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model has no inputs or outputs")
	}
	s := &Session{
		input:     inputs[0],
		output:    outputs[0],
		inputSize: squareSize(inputs[0].Dimensions),
	}

	if useGPU {
		sess, err := newSession(path, s.input.Name, s.output.Name, true)
		if err == nil {
			s.session, s.provider = sess, ProviderCUDA
			return s, nil
		}
		slog.Warn("GPU not available, falling back to CPU", slog.String("error", err.Error()))
	}
	sess, err := newSession(path, s.input.Name, s.output.Name, false)
	if err != nil {
		return nil, err
	}
	s.session, s.provider = sess, ProviderCPU
	return s, nil
}

func newSession(path, input, output string, cuda bool) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if cuda {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, fmt.Errorf("failed to configure CUDA provider: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, []string{input}, []string{output}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return session, nil
}

// squareSize reads H from an NHWC [N, H, W, 3] or NCHW [N, 3, H, W] input
// with H == W, or 0 when the shape is dynamic or not an image.
func squareSize(dims ort.Shape) int {
	if len(dims) != 4 {
		return 0
	}
	switch {
	case dims[3] == 3 && dims[1] == dims[2] && dims[1] > 0:
		return int(dims[1])
	case dims[1] == 3 && dims[2] == dims[3] && dims[2] > 0:
		return int(dims[2])
	}
	return 0
}

func (s *Session) Provider() string { return s.provider }

// InputSize is the square input resolution declared by the model, 0 if dynamic.
func (s *Session) InputSize() int { return s.inputSize }

func (s *Session) Run(input []float32, shape []int64) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	t, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	data := t.GetData()
	probs := make([]float32, len(data))
	copy(probs, data)
	return probs, nil
}

func (s *Session) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
