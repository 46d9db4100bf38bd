// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import "fmt"

// Session provides low-level access to a compiled inference graph.
// This is the boundary to the external inference engine: named tensors go in,
// named tensors come out, and nothing else is shared.
//
// A Session is safe for concurrent Run calls once created. Implementations
// must not retain or mutate the Data slices of the inputs passed to Run.
type Session interface {
	// Run executes the session with the given named inputs.
	// Returns named outputs as tensors.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor is a tensor with a name, used for session I/O.
// A nil or empty Shape denotes a rank-0 scalar holding exactly one element.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  interface{} // []float32, []int64, []int32, []bool
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// NumElements returns the number of elements described by shape.
// A rank-0 shape holds one element.
func NumElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Float32Data returns the tensor data as float32, checking the element count
// against the shape.
func (t NamedTensor) Float32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor %q is %T, want []float32", t.Name, t.Data)
	}
	if want := NumElements(t.Shape); len(data) != want {
		return nil, fmt.Errorf("tensor %q has %d elements, shape %v needs %d", t.Name, len(data), t.Shape, want)
	}
	return data, nil
}

// Int64Data returns the tensor data as int64. []int32 data is widened.
func (t NamedTensor) Int64Data() ([]int64, error) {
	var data []int64
	switch d := t.Data.(type) {
	case []int64:
		data = d
	case []int32:
		data = make([]int64, len(d))
		for i, v := range d {
			data[i] = int64(v)
		}
	default:
		return nil, fmt.Errorf("tensor %q is %T, want []int64", t.Name, t.Data)
	}
	if want := NumElements(t.Shape); len(data) != want {
		return nil, fmt.Errorf("tensor %q has %d elements, shape %v needs %d", t.Name, len(data), t.Shape, want)
	}
	return data, nil
}

// FindTensor returns the tensor with the given name.
func FindTensor(tensors []NamedTensor, name string) (NamedTensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// SessionFactory creates Sessions from compiled model artifacts.
type SessionFactory interface {
	// CreateSession creates a session from a model graph file (e.g., an ONNX file).
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds session configuration.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode

	// GraphOptimizationLevel for ONNX (0-3)
	GraphOptimizationLevel int
}

// DefaultSessionConfig returns default session configuration.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		NumThreads:             0,
		GPUMode:                GPUModeAuto,
		GraphOptimizationLevel: 3,
	}
}

// WithSessionThreads sets the number of threads for session inference.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode for session inference.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// WithGraphOptimizationLevel sets the graph optimization level (0-3).
func WithGraphOptimizationLevel(level int) SessionOption {
	return func(c *SessionConfig) {
		c.GraphOptimizationLevel = level
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
