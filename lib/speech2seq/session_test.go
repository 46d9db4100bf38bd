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
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends/backendtest"
)

func newTestModel(t *testing.T, variant architecture.Variant, engineOpts ...backendtest.Option) (*Model, *backendtest.Engine) {
	t.Helper()
	engine := backendtest.ForVariant(variant, engineOpts...)
	m, err := NewModel(string(variant), engine.Encoder(), engine.Decoder(), backendtest.BackendFake,
		WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, engine
}

func testMel(dims architecture.Dimensions, batch, frames int, seed float64) Mel {
	data := make([]float32, batch*dims.NMels*frames)
	for i := range data {
		data[i] = float32(math.Sin(float64(i)*0.013 + seed))
	}
	return Mel{Batch: batch, Mels: dims.NMels, Frames: frames, Data: data}
}

func TestSession_BaseScenario(t *testing.T) {
	m, _ := newTestModel(t, architecture.Base)
	ctx := context.Background()

	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 200, 0), 1, 448)
	require.NoError(t, err)
	defer s.Close()

	cache := s.Cache()
	assert.Equal(t, []int64{12, 1, 448, 512}, cache.Shape())
	assert.True(t, cache.IsZeroFrom(0), "fresh cache is all zeros")
	assert.Equal(t, 0, s.Offset())

	logits, err := s.Step(ctx, [][]int64{{StartOfTranscript}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 51865}, logits.Shape())

	cache = s.Cache()
	assert.Equal(t, []int64{12, 1, 448, 512}, cache.Shape())
	assert.False(t, cache.PositionIsZero(0), "offset 0 written")
	assert.True(t, cache.IsZeroFrom(1), "positions beyond the offset stay zero")
	assert.Equal(t, 1, s.Offset())
	assert.Equal(t, 447, s.Remaining())
}

func TestSession_OffsetMonotonicity(t *testing.T) {
	m, engine := newTestModel(t, architecture.Tiny)
	ctx := context.Background()

	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 1), 2, 16)
	require.NoError(t, err)
	defer s.Close()

	sum := 0
	for i, k := range []int{1, 3, 2, 1, 4} {
		tokens := make([][]int64, 2)
		for g := range tokens {
			for j := range k {
				tokens[g] = append(tokens[g], int64(100*g+10*i+j))
			}
		}
		logits, err := s.Step(ctx, tokens)
		require.NoError(t, err)
		assert.Equal(t, k, logits.Steps)
		sum += k
		assert.Equal(t, sum, s.Offset())
	}

	committed := s.Committed()
	require.Len(t, committed, 2)
	assert.Len(t, committed[0], sum)
	assert.Len(t, committed[1], sum)
	assert.Equal(t, int64(100), committed[1][0])
	assert.Equal(t, 16-sum, s.Remaining())
	assert.Equal(t, int64(5), engine.DecoderCalls())
}

func TestSession_OverflowIsFatal(t *testing.T) {
	m, engine := newTestModel(t, architecture.Tiny)
	ctx := context.Background()

	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 2), 1, 3)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Step(ctx, [][]int64{{1, 2}})
	require.NoError(t, err)

	_, err = s.Step(ctx, [][]int64{{3, 4}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheOverflow)
	assert.ErrorIs(t, err, ErrSessionAborted)
	assert.Equal(t, int64(1), engine.DecoderCalls(), "overflowing step never reaches the engine")

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 2, serr.Offset)
	assert.Equal(t, [][]int64{{1, 2}}, serr.Committed)

	_, err = s.Step(ctx, [][]int64{{5}})
	assert.ErrorIs(t, err, ErrSessionAborted, "session stays aborted")
	assert.ErrorIs(t, err, ErrCacheOverflow)
	assert.Equal(t, int64(1), engine.DecoderCalls())
}

func TestSession_EngineFailureKeepsCommittedTokens(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny, backendtest.WithDecoderFailureAfter(2))
	ctx := context.Background()

	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 3), 2, 32)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Step(ctx, [][]int64{{10}, {20}})
	require.NoError(t, err)
	_, err = s.Step(ctx, [][]int64{{11}, {21}})
	require.NoError(t, err)

	_, err = s.Step(ctx, [][]int64{{12}, {22}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodingFailed)
	assert.ErrorIs(t, err, backendtest.ErrInjected)
	assert.ErrorIs(t, err, ErrSessionAborted)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, s.ID(), serr.SessionID)
	assert.Equal(t, [][]int64{{10, 11}, {20, 21}}, serr.Committed)
	assert.Equal(t, 2, serr.Offset)
	assert.Equal(t, err, s.Err())

	_, err = s.DetectLanguage(ctx)
	assert.ErrorIs(t, err, ErrSessionAborted)
}

func TestSession_CacheSubstitution(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny)
	ctx := context.Background()

	features, err := m.Encode(ctx, testMel(m.Dimensions(), 1, 100, 4))
	require.NoError(t, err)

	s, err := m.NewSessionFromFeatures(features, 1, 8)
	require.NoError(t, err)
	defer s.Close()
	stale := s.Cache().Clone()

	_, err = s.Step(ctx, [][]int64{{StartOfTranscript}})
	require.NoError(t, err)
	fresh := s.Cache()

	next := [][]int64{{StartOfTranscript + 1}}
	withFresh, err := m.decoder.Step(ctx, next, features, fresh.Clone(), 1)
	require.NoError(t, err)
	withStale, err := m.decoder.Step(ctx, next, features, stale, 1)
	require.NoError(t, err)
	assert.NotEqual(t, withFresh.Logits.Data, withStale.Logits.Data)

	viaSession, err := s.Step(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, withFresh.Logits.Data, viaSession.Data, "session rebinds to the returned cache")
}

func TestSession_AliasingAndCopyingEnginesAgree(t *testing.T) {
	run := func(opts ...backendtest.Option) [][]float32 {
		m, _ := newTestModel(t, architecture.Tiny, opts...)
		ctx := context.Background()
		s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 5), 1, 8)
		require.NoError(t, err)
		defer s.Close()

		var out [][]float32
		for _, tok := range []int64{StartOfTranscript, 50259, 50359, 400} {
			logits, err := s.Step(ctx, [][]int64{{tok}})
			require.NoError(t, err)
			out = append(out, logits.Last(0))
		}
		return out
	}

	assert.Equal(t, run(), run(backendtest.WithAliasing()))
}

func TestSession_Isolation(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny)
	mel := testMel(m.Dimensions(), 1, 120, 6)
	steps := [][][]int64{{{StartOfTranscript}, {StartOfTranscript}}, {{50259, 50359}, {50260, 50359}}, {{7}, {8}}}

	decode := func(ctx context.Context) ([]float32, error) {
		s, err := m.NewSession(ctx, mel, 2, 16)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		var out []float32
		for _, tokens := range steps {
			logits, err := s.Step(ctx, tokens)
			if err != nil {
				return nil, err
			}
			out = append(out, logits.Data...)
		}
		return out, nil
	}

	ctx := context.Background()
	const n = 4
	sequential := make([][]float32, n)
	for i := range n {
		out, err := decode(ctx)
		require.NoError(t, err)
		sequential[i] = out
	}

	parallel := make([][]float32, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			out, err := decode(gctx)
			parallel[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := range n {
		assert.Equal(t, sequential[0], sequential[i])
		assert.Equal(t, sequential[i], parallel[i])
	}
}

func TestSession_StepAt(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny)
	ctx := context.Background()
	mel := testMel(m.Dimensions(), 1, 100, 7)

	a, err := m.NewSession(ctx, mel, 1, 8)
	require.NoError(t, err)
	defer a.Close()
	for _, tok := range []int64{1, 2, 3} {
		_, err := a.Step(ctx, [][]int64{{tok}})
		require.NoError(t, err)
	}

	t.Run("gap rejected", func(t *testing.T) {
		_, err := a.StepAt(ctx, [][]int64{{9}}, 4)
		assert.ErrorIs(t, err, ErrOffsetGap)
		assert.NoError(t, a.Err(), "gap does not abort")
	})

	rewound, err := a.StepAt(ctx, [][]int64{{4}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Offset())
	assert.Equal(t, [][]int64{{1, 4}}, a.Committed())
	assert.False(t, a.Cache().PositionIsZero(1))
	assert.True(t, a.Cache().IsZeroFrom(a.Offset()), "rewound positions read as uncached")

	b, err := m.NewSession(ctx, mel, 1, 8)
	require.NoError(t, err)
	defer b.Close()
	_, err = b.Step(ctx, [][]int64{{1}})
	require.NoError(t, err)
	direct, err := b.Step(ctx, [][]int64{{4}})
	require.NoError(t, err)

	assert.Equal(t, direct.Data, rewound.Data)
}

func TestSession_RecoverableErrors(t *testing.T) {
	m, engine := newTestModel(t, architecture.Tiny)
	s, err := m.NewSession(context.Background(), testMel(m.Dimensions(), 1, 100, 8), 2, 8)
	require.NoError(t, err)
	defer s.Close()

	tests := []struct {
		name   string
		tokens [][]int64
		want   error
	}{
		{"no groups", nil, ErrInvalidTokens},
		{"empty step", [][]int64{{}, {}}, ErrInvalidTokens},
		{"ragged", [][]int64{{1, 2}, {3}}, ErrInvalidTokens},
		{"wrong group count", [][]int64{{1}}, ErrInvalidTokens},
		{"outside vocabulary", [][]int64{{1}, {51865}}, ErrInvalidTokens},
		{"negative token", [][]int64{{-1}, {2}}, ErrInvalidTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Step(context.Background(), tt.tokens)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Step(ctx, [][]int64{{1}, {2}})
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, s.Err())
	assert.Zero(t, engine.DecoderCalls())
	_, err = s.Step(context.Background(), [][]int64{{1}, {2}})
	assert.NoError(t, err, "session still usable")
}

func TestSession_Close(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny)
	s, err := m.NewSession(context.Background(), testMel(m.Dimensions(), 1, 100, 9), 1, 8)
	require.NoError(t, err)

	calls := 0
	s.OnClose(func() { calls++ })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
	assert.Nil(t, s.Cache())

	_, err = s.Step(context.Background(), [][]int64{{1}})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Reorder([]int{0}), ErrSessionClosed)

	s.OnClose(func() { calls++ })
	assert.Equal(t, 2, calls, "hooks registered after close run immediately")
}

func TestSession_Reorder(t *testing.T) {
	m, _ := newTestModel(t, architecture.Tiny)
	ctx := context.Background()
	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 10), 3, 8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Step(ctx, [][]int64{{1}, {2}, {3}})
	require.NoError(t, err)
	require.NoError(t, s.Reorder([]int{2, 2, 0}))
	assert.Equal(t, [][]int64{{3}, {3}, {1}}, s.Committed())
	assert.Equal(t, 1, s.Offset())

	logits, err := s.Step(ctx, [][]int64{{5}, {5}, {5}})
	require.NoError(t, err)
	assert.Equal(t, logits.At(0, 0), logits.At(1, 0), "identical histories score identically")
	assert.NotEqual(t, logits.At(0, 0), logits.At(2, 0))

	require.NoError(t, s.Reorder([]int{1}))
	assert.Equal(t, 1, s.Groups())
	_, err = s.Step(ctx, [][]int64{{6}})
	require.NoError(t, err)

	err = s.Reorder([]int{4})
	assert.ErrorIs(t, err, ErrInvalidTokens)
}

func TestModel_NewSessionValidation(t *testing.T) {
	m, engine := newTestModel(t, architecture.Tiny)
	ctx := context.Background()
	mel := testMel(m.Dimensions(), 1, 100, 11)

	_, err := m.NewSession(ctx, mel, 0, 8)
	assert.Error(t, err)
	_, err = m.NewSession(ctx, mel, 1, 0)
	assert.Error(t, err)
	_, err = m.NewSession(ctx, mel, 1, 449)
	assert.Error(t, err)
	assert.Zero(t, engine.EncoderCalls(), "sizes are checked before encoding")

	s, err := m.NewSession(ctx, mel, 1, 448)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	two, err := m.Encode(ctx, testMel(m.Dimensions(), 2, 100, 11))
	require.NoError(t, err)
	_, err = m.NewSessionFromFeatures(two, 3, 8)
	assert.ErrorIs(t, err, ErrGeometryMismatch)

	s, err = m.NewSessionFromFeatures(two, 2, 8)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestModel_InitFailureIsFatal(t *testing.T) {
	m, engine := newTestModel(t, architecture.Tiny, backendtest.WithEncoderFailure())

	s, err := m.NewSession(context.Background(), testMel(m.Dimensions(), 1, 100, 12), 1, 8)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrEncodingFailed)
	assert.ErrorIs(t, err, backendtest.ErrInjected)
	assert.Zero(t, engine.DecoderCalls())
}

func TestModel_CloseAbortsOpenSessions(t *testing.T) {
	engine := backendtest.ForVariant(architecture.Tiny)
	m, err := NewModel("tiny", engine.Encoder(), engine.Decoder(), backendtest.BackendFake)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := m.NewSession(ctx, testMel(m.Dimensions(), 1, 100, 13), 1, 8)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Step(ctx, [][]int64{{1}})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = s.Step(ctx, [][]int64{{2}})
	assert.ErrorIs(t, err, ErrModelClosed)
	var serr *SessionError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, [][]int64{{1}}, serr.Committed)

	_, err = m.Encode(ctx, testMel(m.Dimensions(), 1, 100, 13))
	assert.ErrorIs(t, err, ErrModelClosed)
}
