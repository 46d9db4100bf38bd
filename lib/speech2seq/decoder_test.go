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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/backends/backendtest"
	"github.com/antflydb/whisperkv/lib/kvcache"
)

func newTestDecoder(t *testing.T, opts ...backendtest.Option) (*TextDecoder, *backendtest.Engine, *AudioFeatures) {
	t.Helper()
	dims := architecture.Tiny.Dimensions()
	engine := backendtest.New(dims, opts...)
	features, err := NewAudioEncoder(engine.Encoder(), architecture.Tiny, dims, nil).
		Encode(context.Background(), testMel(dims, 2, 40, 0))
	require.NoError(t, err)
	return NewTextDecoder(engine.Decoder(), architecture.Tiny, dims, nil), engine, features
}

func TestTextDecoder_Step(t *testing.T) {
	dec, engine, features := newTestDecoder(t)
	cache, err := kvcache.AllocateFor("tiny", 2, 6)
	require.NoError(t, err)

	res, err := dec.Step(context.Background(), [][]int64{{1, 2, 3}, {4, 5, 6}}, features, cache, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 51865}, res.Logits.Shape())
	assert.Equal(t, cache.Shape(), res.Cache.Shape())
	assert.False(t, res.Cache.PositionIsZero(2))
	assert.True(t, res.Cache.IsZeroFrom(3))
	assert.True(t, cache.IsZeroFrom(0), "copying engine leaves the input untouched")
	assert.Equal(t, int64(1), engine.DecoderCalls())

	_, err = dec.Step(context.Background(), [][]int64{{7}, {8}}, features, res.Cache, 3)
	require.NoError(t, err)
}

func TestTextDecoder_Preconditions(t *testing.T) {
	dec, engine, features := newTestDecoder(t)
	cache, err := kvcache.AllocateFor("tiny", 2, 4)
	require.NoError(t, err)
	baseCache, err := kvcache.AllocateFor("base", 2, 4)
	require.NoError(t, err)
	single, err := features.rows([]int{0}).Broadcast(1)
	require.NoError(t, err)

	tests := []struct {
		name     string
		tokens   [][]int64
		features *AudioFeatures
		cache    *kvcache.Cache
		offset   int
		want     error
	}{
		{"overflow", [][]int64{{1, 2}, {3, 4}}, features, cache, 3, ErrCacheOverflow},
		{"group mismatch", [][]int64{{1}}, features, cache, 0, ErrGeometryMismatch},
		{"feature batch mismatch", [][]int64{{1}, {2}}, single, cache, 0, ErrGeometryMismatch},
		{"foreign cache geometry", [][]int64{{1}, {2}}, features, baseCache, 0, ErrGeometryMismatch},
		{"ragged tokens", [][]int64{{1}, {2, 3}}, features, cache, 0, ErrInvalidTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dec.Step(context.Background(), tt.tokens, tt.features, tt.cache, tt.offset)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, engine.DecoderCalls(), "preconditions are checked before the engine runs")
}

func TestTextDecoder_MalformedOutputs(t *testing.T) {
	tests := []struct {
		name   string
		filter func([]backends.NamedTensor) []backends.NamedTensor
		want   []error
	}{
		{
			name: "missing logits",
			filter: func(out []backends.NamedTensor) []backends.NamedTensor {
				return out[1:]
			},
			want: []error{ErrDecodingFailed},
		},
		{
			name: "missing cache",
			filter: func(out []backends.NamedTensor) []backends.NamedTensor {
				return out[:1]
			},
			want: []error{ErrDecodingFailed},
		},
		{
			name: "truncated vocabulary",
			filter: func(out []backends.NamedTensor) []backends.NamedTensor {
				out[0].Shape = []int64{out[0].Shape[0], out[0].Shape[1], 100}
				out[0].Data = out[0].Data.([]float32)[:backends.NumElements(out[0].Shape)]
				return out
			},
			want: []error{ErrDecodingFailed, ErrGeometryMismatch},
		},
		{
			name: "resized cache",
			filter: func(out []backends.NamedTensor) []backends.NamedTensor {
				s := out[1].Shape
				out[1].Shape = []int64{s[0], s[1], s[2] - 1, s[3]}
				out[1].Data = out[1].Data.([]float32)[:backends.NumElements(out[1].Shape)]
				return out
			},
			want: []error{ErrDecodingFailed, ErrGeometryMismatch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, _, features := newTestDecoder(t, backendtest.WithDecoderOutputs(tt.filter))
			cache, err := kvcache.AllocateFor("tiny", 2, 4)
			require.NoError(t, err)

			_, err = dec.Step(context.Background(), [][]int64{{1}, {2}}, features, cache, 0)
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestLogits(t *testing.T) {
	l := &Logits{Groups: 2, Steps: 2, Vocab: 3, Data: []float32{
		0, 1, 0,
		5, 0, 0,
		0, 0, 2,
		1, 3, 2,
	}}
	assert.Equal(t, int64(1), l.Argmax(0, 0))
	assert.Equal(t, int64(0), l.Argmax(0, 1))
	assert.Equal(t, int64(2), l.Argmax(1, 0))
	assert.Equal(t, []float32{1, 3, 2}, l.Last(1))
}
