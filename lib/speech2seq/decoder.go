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

package speech2seq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/kvcache"
)

// Tensor names of the decoder graph.
const (
	InputTokens        = "tokens"
	InputAudioFeatures = "audio_features"
	InputKVCache       = "kv_cache"
	InputOffset        = "offset"

	OutputLogits  = "logits"
	OutputKVCache = "output_kv_cache"
)

// Logits are decoder scores laid out as [Groups, Steps, Vocab].
type Logits struct {
	Groups int
	Steps  int
	Vocab  int
	Data   []float32
}

// Shape returns [groups, steps, vocab].
func (l *Logits) Shape() []int64 {
	return []int64{int64(l.Groups), int64(l.Steps), int64(l.Vocab)}
}

// At returns the scores for step i of group g. It aliases Data.
func (l *Logits) At(g, i int) []float32 {
	start := (g*l.Steps + i) * l.Vocab
	return l.Data[start : start+l.Vocab]
}

// Last returns the scores of the final step of group g.
func (l *Logits) Last(g int) []float32 {
	return l.At(g, l.Steps-1)
}

// Argmax returns the highest scoring token of step i in group g.
func (l *Logits) Argmax(g, i int) int64 {
	row := l.At(g, i)
	best := 0
	for v := 1; v < len(row); v++ {
		if row[v] > row[best] {
			best = v
		}
	}
	return int64(best)
}

// StepResult pairs the logits of one decoder call with the cache it produced.
// The two belong together; callers must rebind to Cache before the next call.
type StepResult struct {
	Logits *Logits
	Cache  *kvcache.Cache
}

// TextDecoder runs the decoder graph one step at a time.
type TextDecoder struct {
	session backends.Session
	variant architecture.Variant
	dims    architecture.Dimensions
	logger  *zap.Logger
}

// NewTextDecoder wraps a decoder session.
func NewTextDecoder(session backends.Session, variant architecture.Variant, dims architecture.Dimensions, logger *zap.Logger) *TextDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextDecoder{session: session, variant: variant, dims: dims, logger: logger.With(zap.String("variant", string(variant)))}
}

// Step evaluates tokens at offset. tokens holds one equally long row per
// cache group. The returned cache may alias the input cache or be a new
// buffer; either way it is the only valid cache afterwards.
//
// Precondition failures return ErrInvalidTokens, ErrGeometryMismatch or
// ErrCacheOverflow without invoking the engine. Engine failures and malformed
// outputs wrap ErrDecodingFailed.
func (d *TextDecoder) Step(ctx context.Context, tokens [][]int64, features *AudioFeatures, cache *kvcache.Cache, offset int) (res *StepResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stepLen, err := validateTokens(tokens, d.dims.NVocab)
	if err != nil {
		return nil, err
	}
	if g := cache.Geometry(); g != d.dims.CacheGeometry() {
		return nil, fmt.Errorf("%w: cache %s, model %s", ErrGeometryMismatch, g, d.dims.CacheGeometry())
	}
	if len(tokens) != cache.Groups {
		return nil, fmt.Errorf("%w: %d token groups for a cache of %d groups", ErrGeometryMismatch, len(tokens), cache.Groups)
	}
	if features.Batch() != cache.Groups || features.Width() != d.dims.NAudioState {
		return nil, fmt.Errorf("%w: audio features %v for %d groups of width %d",
			ErrGeometryMismatch, features.Shape(), cache.Groups, d.dims.NAudioState)
	}
	if err := cache.CheckStep(offset, stepLen); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		decoderSteps.WithLabelValues(string(d.variant), statusLabel(err)).Inc()
		stepDuration.WithLabelValues(string(d.variant)).Observe(time.Since(start).Seconds())
		if err == nil {
			tokensConsumed.WithLabelValues(string(d.variant)).Add(float64(len(tokens) * stepLen))
		}
	}()

	flat := make([]int64, 0, len(tokens)*stepLen)
	for _, row := range tokens {
		flat = append(flat, row...)
	}

	inputs := []backends.NamedTensor{
		{
			Name:  InputTokens,
			Shape: []int64{int64(len(tokens)), int64(stepLen)},
			Data:  flat,
		},
		features.tensor(),
		cache.Tensor(InputKVCache),
		{
			Name: InputOffset,
			Data: []int64{int64(offset)},
		},
	}

	outputs, err := d.session.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: running decoder at offset %d: %w", ErrDecodingFailed, offset, err)
	}

	logitsT, ok := backends.FindTensor(outputs, OutputLogits)
	if !ok {
		return nil, fmt.Errorf("%w: decoder returned no %s", ErrDecodingFailed, OutputLogits)
	}
	cacheT, ok := backends.FindTensor(outputs, OutputKVCache)
	if !ok {
		return nil, fmt.Errorf("%w: decoder returned no %s", ErrDecodingFailed, OutputKVCache)
	}

	logits, err := d.logits(logitsT, len(tokens), stepLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
	}
	next, err := kvcache.FromTensor(cacheT, cache)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
	}

	d.logger.Debug("Decoder step",
		zap.Int("groups", len(tokens)),
		zap.Int("offset", offset),
		zap.Int("step_len", stepLen),
		zap.Duration("took", time.Since(start)))

	return &StepResult{Logits: logits, Cache: next}, nil
}

func (d *TextDecoder) logits(t backends.NamedTensor, groups, stepLen int) (*Logits, error) {
	want := []int64{int64(groups), int64(stepLen), int64(d.dims.NVocab)}
	if len(t.Shape) != 3 || t.Shape[0] != want[0] || t.Shape[1] != want[1] || t.Shape[2] != want[2] {
		return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrGeometryMismatch, OutputLogits, t.Shape, want)
	}
	data, err := t.Float32Data()
	if err != nil {
		return nil, err
	}
	return &Logits{Groups: groups, Steps: stepLen, Vocab: d.dims.NVocab, Data: data}, nil
}

// Close releases the decoder session.
func (d *TextDecoder) Close() error {
	return d.session.Close()
}

// validateTokens checks that tokens is a non-empty rectangle of in-vocabulary
// ids and returns the row length.
func validateTokens(tokens [][]int64, vocab int) (int, error) {
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: no token groups", ErrInvalidTokens)
	}
	stepLen := len(tokens[0])
	if stepLen == 0 {
		return 0, fmt.Errorf("%w: empty step", ErrInvalidTokens)
	}
	for g, row := range tokens {
		if len(row) != stepLen {
			return 0, fmt.Errorf("%w: group %d has %d tokens, group 0 has %d", ErrInvalidTokens, g, len(row), stepLen)
		}
		for _, tok := range row {
			if tok < 0 || tok >= int64(vocab) {
				return 0, fmt.Errorf("%w: token %d outside vocabulary of %d", ErrInvalidTokens, tok, vocab)
			}
		}
	}
	return stepLen, nil
}
