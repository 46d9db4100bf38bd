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

// Package backendtest provides a deterministic stand-in for the Whisper
// encoder and decoder graphs. It implements backends.Session with the same
// tensor names and shapes as an exported Whisper model, so the decoding layer
// can be exercised without model weights or native libraries.
//
// The encoder output is a pure function of the mel input. The decoder writes
// non-zero entries into kv_cache[:, g, offset:offset+len, :] and produces
// logits that depend on the tokens, the offset, the audio features and a
// checksum of the cache prefix [0, offset), so a caller that feeds a stale
// cache gets different logits.
package backendtest

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
)

// BackendFake identifies sessions created by this package.
const BackendFake backends.BackendType = "fake"

// ErrInjected is returned by sessions configured to fail.
var ErrInjected = errors.New("injected engine failure")

// Engine creates Whisper-shaped sessions for one set of dimensions.
// It is safe for concurrent use.
type Engine struct {
	dims architecture.Dimensions

	alias         bool
	failEncoder   bool
	decoderBudget int64
	outputFilter  func([]backends.NamedTensor) []backends.NamedTensor

	encoderCalls atomic.Int64
	decoderCalls atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithAliasing makes the decoder write into its kv_cache input and return the
// same backing array as output_kv_cache. By default the decoder copies.
func WithAliasing() Option {
	return func(e *Engine) {
		e.alias = true
	}
}

// WithEncoderFailure makes every encoder call fail.
func WithEncoderFailure() Option {
	return func(e *Engine) {
		e.failEncoder = true
	}
}

// WithDecoderFailureAfter lets n decoder calls succeed and fails every later one.
func WithDecoderFailureAfter(n int) Option {
	return func(e *Engine) {
		e.decoderBudget = int64(n) + 1
	}
}

// WithDecoderOutputs rewrites decoder outputs before they are returned.
// Tests use it to produce malformed results.
func WithDecoderOutputs(fn func([]backends.NamedTensor) []backends.NamedTensor) Option {
	return func(e *Engine) {
		e.outputFilter = fn
	}
}

// New returns an engine for dims.
func New(dims architecture.Dimensions, opts ...Option) *Engine {
	e := &Engine{dims: dims}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ForVariant returns an engine sized for a registered variant.
func ForVariant(v architecture.Variant, opts ...Option) *Engine {
	return New(v.Dimensions(), opts...)
}

// EncoderCalls reports how many times any encoder session ran.
func (e *Engine) EncoderCalls() int64 { return e.encoderCalls.Load() }

// DecoderCalls reports how many times any decoder session ran.
func (e *Engine) DecoderCalls() int64 { return e.decoderCalls.Load() }

// Encoder returns a new encoder session.
func (e *Engine) Encoder() backends.Session { return &encoderSession{engine: e} }

// Decoder returns a new decoder session.
func (e *Engine) Decoder() backends.Session { return &decoderSession{engine: e} }

// SessionFactory returns a factory that picks the encoder or decoder graph by
// file name, so model loading code can run against the fake engine unchanged.
func (e *Engine) SessionFactory() backends.SessionFactory { return &factory{engine: e} }

type factory struct {
	engine *Engine
}

func (f *factory) CreateSession(modelPath string, _ ...backends.SessionOption) (backends.Session, error) {
	base := strings.ToLower(filepath.Base(modelPath))
	switch {
	case strings.Contains(base, "encoder"):
		return f.engine.Encoder(), nil
	case strings.Contains(base, "decoder"):
		return f.engine.Decoder(), nil
	default:
		return nil, fmt.Errorf("cannot tell encoder from decoder for %q", modelPath)
	}
}

func (f *factory) Backend() backends.BackendType { return BackendFake }

type encoderSession struct {
	engine *Engine
	closed atomic.Bool
}

func (s *encoderSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	e := s.engine
	e.encoderCalls.Add(1)
	if s.closed.Load() {
		return nil, fmt.Errorf("encoder session is closed")
	}
	if e.failEncoder {
		return nil, ErrInjected
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("encoder takes one input, got %d", len(inputs))
	}

	mel := inputs[0]
	data, err := mel.Float32Data()
	if err != nil {
		return nil, err
	}
	if len(mel.Shape) != 3 {
		return nil, fmt.Errorf("mel must be rank 3, got shape %v", mel.Shape)
	}
	batch, nMels, frames := int(mel.Shape[0]), int(mel.Shape[1]), int(mel.Shape[2])
	if nMels != e.dims.NMels {
		return nil, fmt.Errorf("mel has %d channels, want %d", nMels, e.dims.NMels)
	}

	// Whisper's conv stem halves the frame count.
	audioCtx := max(1, min(e.dims.NAudioCtx, frames/2))
	width := e.dims.NAudioState
	out := make([]float32, batch*audioCtx*width)
	for b := range batch {
		for c := range audioCtx {
			frame := min(2*c, frames-1)
			for w := range width {
				m := w % nMels
				v := data[(b*nMels+m)*frames+frame]
				out[(b*audioCtx+c)*width+w] = 0.5*v + float32(w%7)*0.01 + float32(c%5)*0.001
			}
		}
	}

	return []backends.NamedTensor{{
		Name:  "audio_features",
		Shape: []int64{int64(batch), int64(audioCtx), int64(width)},
		Data:  out,
	}}, nil
}

func (s *encoderSession) InputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{
		Name:     "mel",
		Shape:    []int64{-1, int64(s.engine.dims.NMels), -1},
		DataType: backends.DataTypeFloat32,
	}}
}

func (s *encoderSession) OutputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{
		Name:     "audio_features",
		Shape:    []int64{-1, -1, int64(s.engine.dims.NAudioState)},
		DataType: backends.DataTypeFloat32,
	}}
}

func (s *encoderSession) Close() error {
	s.closed.Store(true)
	return nil
}

type decoderSession struct {
	engine *Engine
	closed atomic.Bool
}

func (s *decoderSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	e := s.engine
	call := e.decoderCalls.Add(1)
	if s.closed.Load() {
		return nil, fmt.Errorf("decoder session is closed")
	}
	if e.decoderBudget > 0 && call >= e.decoderBudget {
		return nil, ErrInjected
	}

	tokensT, err := lookup(inputs, "tokens")
	if err != nil {
		return nil, err
	}
	featuresT, err := lookup(inputs, "audio_features")
	if err != nil {
		return nil, err
	}
	cacheT, err := lookup(inputs, "kv_cache")
	if err != nil {
		return nil, err
	}
	offsetT, err := lookup(inputs, "offset")
	if err != nil {
		return nil, err
	}

	tokens, err := tokensT.Int64Data()
	if err != nil {
		return nil, err
	}
	features, err := featuresT.Float32Data()
	if err != nil {
		return nil, err
	}
	cacheIn, err := cacheT.Float32Data()
	if err != nil {
		return nil, err
	}
	offsets, err := offsetT.Int64Data()
	if err != nil {
		return nil, err
	}
	if len(offsetT.Shape) != 0 || len(offsets) != 1 {
		return nil, fmt.Errorf("offset must be a scalar, got shape %v", offsetT.Shape)
	}

	if len(tokensT.Shape) != 2 || len(featuresT.Shape) != 3 || len(cacheT.Shape) != 4 {
		return nil, fmt.Errorf("unexpected ranks: tokens %v, audio_features %v, kv_cache %v",
			tokensT.Shape, featuresT.Shape, cacheT.Shape)
	}
	groups, stepLen := int(tokensT.Shape[0]), int(tokensT.Shape[1])
	slots, cacheGroups, length, width := int(cacheT.Shape[0]), int(cacheT.Shape[1]), int(cacheT.Shape[2]), int(cacheT.Shape[3])
	offset := int(offsets[0])

	geom := e.dims.CacheGeometry()
	switch {
	case slots != geom.Slots || width != geom.Width:
		return nil, fmt.Errorf("kv_cache shape %v does not match geometry %s", cacheT.Shape, geom)
	case cacheGroups != groups || int(featuresT.Shape[0]) != groups:
		return nil, fmt.Errorf("group mismatch: tokens %d, audio_features %d, kv_cache %d",
			groups, featuresT.Shape[0], cacheGroups)
	case int(featuresT.Shape[2]) != e.dims.NAudioState:
		return nil, fmt.Errorf("audio_features width %d, want %d", featuresT.Shape[2], e.dims.NAudioState)
	case offset < 0 || offset+stepLen > length:
		return nil, fmt.Errorf("offset %d with %d tokens exceeds cache length %d", offset, stepLen, length)
	}

	cache := cacheIn
	if !e.alias {
		cache = make([]float32, len(cacheIn))
		copy(cache, cacheIn)
	}

	perGroup := len(features) / groups
	vocab := e.dims.NVocab
	logits := make([]float32, groups*stepLen*vocab)
	for g := range groups {
		var feat float64
		for _, v := range features[g*perGroup : (g+1)*perGroup] {
			feat += float64(v)
		}
		feat /= float64(perGroup)

		// Accumulated position by position so one multi-token step and the
		// equivalent single-token steps produce bit-identical logits.
		var prefix float64
		for pos := range offset {
			prefix += checksum(cache, slots, groups, length, width, g, pos, pos+1)
		}
		for i := range stepLen {
			tok := tokens[g*stepLen+i]
			pos := offset + i
			for sl := range slots {
				row := cache[((sl*groups+g)*length+pos)*width:][:width]
				for w := range row {
					row[w] = 1 + float32(tok%97)*0.01 + float32(sl)*0.001 + float32(w)*1e-5 + float32(pos)*1e-3
				}
			}
			prefix += checksum(cache, slots, groups, length, width, g, pos, pos+1)

			out := logits[(g*stepLen+i)*vocab:][:vocab]
			phase := float64(tok)*0.11 + float64(pos)*0.05 + feat + prefix*1e-6
			for v := range out {
				out[v] = float32(math.Sin(float64(v)*0.37 + phase))
			}
		}
	}

	outputs := []backends.NamedTensor{
		{
			Name:  "logits",
			Shape: []int64{int64(groups), int64(stepLen), int64(vocab)},
			Data:  logits,
		},
		{
			Name:  "output_kv_cache",
			Shape: []int64{int64(slots), int64(groups), int64(length), int64(width)},
			Data:  cache,
		},
	}
	if e.outputFilter != nil {
		outputs = e.outputFilter(outputs)
	}
	return outputs, nil
}

func (s *decoderSession) InputInfo() []backends.TensorInfo {
	geom := s.engine.dims.CacheGeometry()
	return []backends.TensorInfo{
		{Name: "tokens", Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
		{Name: "audio_features", Shape: []int64{-1, -1, int64(s.engine.dims.NAudioState)}, DataType: backends.DataTypeFloat32},
		{Name: "kv_cache", Shape: []int64{int64(geom.Slots), -1, -1, int64(geom.Width)}, DataType: backends.DataTypeFloat32},
		{Name: "offset", Shape: []int64{}, DataType: backends.DataTypeInt64},
	}
}

func (s *decoderSession) OutputInfo() []backends.TensorInfo {
	geom := s.engine.dims.CacheGeometry()
	return []backends.TensorInfo{
		{Name: "logits", Shape: []int64{-1, -1, int64(s.engine.dims.NVocab)}, DataType: backends.DataTypeFloat32},
		{Name: "output_kv_cache", Shape: []int64{int64(geom.Slots), -1, -1, int64(geom.Width)}, DataType: backends.DataTypeFloat32},
	}
}

func (s *decoderSession) Close() error {
	s.closed.Store(true)
	return nil
}

func lookup(inputs []backends.NamedTensor, name string) (backends.NamedTensor, error) {
	t, ok := backends.FindTensor(inputs, name)
	if !ok {
		return backends.NamedTensor{}, fmt.Errorf("missing input tensor: %s", name)
	}
	return t, nil
}

// checksum weights every cached value of group g in positions [from, to).
func checksum(cache []float32, slots, groups, length, width, g, from, to int) float64 {
	var sum float64
	for sl := range slots {
		for pos := from; pos < to; pos++ {
			row := cache[((sl*groups+g)*length+pos)*width:][:width]
			for _, v := range row {
				sum += float64(v) * float64(pos+1)
			}
		}
	}
	return sum
}
