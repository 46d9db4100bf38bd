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

package whisperkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends/backendtest"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

func newTestEngine(t *testing.T, config Config, provider *fakeProvider) *Engine {
	t.Helper()
	if config.ModelsDir == "" {
		config.ModelsDir = newModelsDir(t, "tiny", "tiny.en", "base")
	}
	e, err := NewEngine(config, provider, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_Session(t *testing.T) {
	provider := newFakeProvider()
	e := newTestEngine(t, Config{}, provider)
	ctx := context.Background()
	dims := architecture.Base.Dimensions()

	s, err := e.NewSession(ctx, "base", testMel(dims, 1, 100, 0.3), 2, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, e.OpenSessions())
	assert.Equal(t, 1, e.Registry().RefCount(architecture.Base))

	logits, err := s.Step(ctx, [][]int64{{speech2seq.StartOfTranscript}, {speech2seq.StartOfTranscript}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, int64(dims.NVocab)}, logits.Shape())
	_, err = s.Step(ctx, [][]int64{{50259, 50359}, {50260, 50359}})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Offset())
	assert.Equal(t, [][]int64{
		{speech2seq.StartOfTranscript, 50259, 50359},
		{speech2seq.StartOfTranscript, 50260, 50359},
	}, s.Committed())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Zero(t, e.OpenSessions())
	assert.Zero(t, e.Registry().RefCount(architecture.Base))
	assert.Equal(t, int64(1), provider.engine(architecture.Base).EncoderCalls())
}

func TestEngine_FeatureCache(t *testing.T) {
	tests := []struct {
		name         string
		ttl          time.Duration
		wantEncodes  int64
		wantCacheLen int
	}{
		{name: "enabled", ttl: time.Minute, wantEncodes: 1, wantCacheLen: 1},
		{name: "disabled", ttl: 0, wantEncodes: 3, wantCacheLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider()
			e := newTestEngine(t, Config{FeatureCacheTTL: tt.ttl}, provider)
			ctx := context.Background()
			mel := testMel(architecture.Tiny.Dimensions(), 1, 60, 0.1)

			for range 2 {
				s, err := e.NewSession(ctx, "tiny", mel, 1, 4)
				require.NoError(t, err)
				require.NoError(t, s.Close())
			}
			_, err := e.DetectLanguage(ctx, "tiny", mel)
			require.NoError(t, err)

			assert.Equal(t, tt.wantEncodes, provider.engine(architecture.Tiny).EncoderCalls())
			assert.Equal(t, tt.wantCacheLen, e.FeatureCacheLen())
		})
	}
}

func TestEngine_ConcurrentSessionsEncodeOnce(t *testing.T) {
	provider := newFakeProvider()
	e := newTestEngine(t, Config{FeatureCacheTTL: time.Minute}, provider)
	ctx := context.Background()
	mel := testMel(architecture.Tiny.Dimensions(), 1, 60, 0.9)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			s, err := e.NewSession(ctx, "tiny", mel, 1, 4)
			if err != nil {
				return err
			}
			return s.Close()
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), provider.engine(architecture.Tiny).EncoderCalls())
	assert.Equal(t, 1, e.FeatureCacheLen())
}

func TestEngine_SessionsDoNotShareState(t *testing.T) {
	e := newTestEngine(t, Config{FeatureCacheTTL: time.Minute}, newFakeProvider())
	ctx := context.Background()
	mel := testMel(architecture.Tiny.Dimensions(), 1, 60, 0.1)

	a, err := e.NewSession(ctx, "tiny", mel, 1, 8)
	require.NoError(t, err)
	defer a.Close()
	b, err := e.NewSession(ctx, "tiny", mel, 1, 8)
	require.NoError(t, err)
	defer b.Close()

	la, err := a.Step(ctx, [][]int64{{speech2seq.StartOfTranscript, 50259}})
	require.NoError(t, err)
	_, err = b.Step(ctx, [][]int64{{speech2seq.StartOfTranscript, 50300}})
	require.NoError(t, err)

	next := [][]int64{{50359}}
	fromA, err := a.Step(ctx, next)
	require.NoError(t, err)
	fromB, err := b.Step(ctx, next)
	require.NoError(t, err)
	assert.NotEqual(t, fromA.Data, fromB.Data, "different histories give different scores")
	assert.Equal(t, 2, la.Steps)
	assert.Equal(t, 3, a.Offset())
	assert.Equal(t, 3, b.Offset())
}

func TestEngine_SessionLimit(t *testing.T) {
	e := newTestEngine(t, Config{MaxConcurrentSessions: 1}, newFakeProvider())
	mel := testMel(architecture.Tiny.Dimensions(), 1, 40, 0)

	first, err := e.NewSession(context.Background(), "tiny", mel, 1, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.NewSession(ctx, "tiny", mel, 1, 4)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var g errgroup.Group
	g.Go(func() error {
		s, err := e.NewSession(context.Background(), "tiny", mel, 1, 4)
		if err != nil {
			return err
		}
		return s.Close()
	})
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, first.Close())
	require.NoError(t, g.Wait())
}

func TestEngine_FailuresReleaseResources(t *testing.T) {
	provider := newFakeProvider()
	e := newTestEngine(t, Config{MaxConcurrentSessions: 1}, provider)
	ctx := context.Background()
	mel := testMel(architecture.Tiny.Dimensions(), 1, 40, 0)

	tests := []struct {
		name      string
		variant   string
		mel       speech2seq.Mel
		groups    int
		maxLength int
		wantErr   error
	}{
		{name: "unsupported variant", variant: "huge", mel: mel, groups: 1, maxLength: 4, wantErr: architecture.ErrUnsupportedArchitecture},
		{name: "variant not installed", variant: "medium", mel: mel, groups: 1, maxLength: 4, wantErr: ErrModelNotFound},
		{name: "zero groups", variant: "tiny", mel: mel, groups: 0, maxLength: 4},
		{name: "max length beyond text context", variant: "tiny", mel: mel, groups: 1, maxLength: 449},
		{name: "wrong mel bins", variant: "tiny", mel: testMel(architecture.Large.Dimensions(), 1, 40, 0), groups: 1, maxLength: 4, wantErr: speech2seq.ErrEncodingFailed},
		{name: "batch does not match groups", variant: "tiny", mel: testMel(architecture.Tiny.Dimensions(), 2, 40, 0), groups: 3, maxLength: 4, wantErr: speech2seq.ErrGeometryMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.NewSession(ctx, tt.variant, tt.mel, tt.groups, tt.maxLength)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Zero(t, e.Registry().RefCount(architecture.Tiny))
		})
	}
	assert.Zero(t, e.OpenSessions())

	// The only session slot is free again.
	s, err := e.NewSession(ctx, "tiny", mel, 1, 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestEngine_AbortedSessionStillReleases(t *testing.T) {
	provider := newFakeProvider(backendtest.WithDecoderFailureAfter(1))
	e := newTestEngine(t, Config{}, provider)
	ctx := context.Background()

	s, err := e.NewSession(ctx, "tiny", testMel(architecture.Tiny.Dimensions(), 1, 40, 0), 1, 4)
	require.NoError(t, err)
	_, err = s.Step(ctx, [][]int64{{speech2seq.StartOfTranscript}})
	require.NoError(t, err)
	_, err = s.Step(ctx, [][]int64{{50259}})
	require.ErrorIs(t, err, speech2seq.ErrSessionAborted)

	var serr *speech2seq.SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, [][]int64{{speech2seq.StartOfTranscript}}, serr.Committed)

	assert.Equal(t, 1, e.Registry().RefCount(architecture.Tiny))
	require.NoError(t, s.Close())
	assert.Zero(t, e.Registry().RefCount(architecture.Tiny))
}

func TestEngine_DetectLanguage(t *testing.T) {
	e := newTestEngine(t, Config{}, newFakeProvider())
	ctx := context.Background()

	dists, err := e.DetectLanguage(ctx, "tiny", testMel(architecture.Tiny.Dimensions(), 2, 40, 0.6))
	require.NoError(t, err)
	require.Len(t, dists, 2)
	for _, d := range dists {
		assert.Len(t, d.Probabilities, 99)
		assert.Contains(t, speech2seq.LanguageCodes(), d.Language)
	}

	_, err = e.DetectLanguage(ctx, "tiny.en", testMel(architecture.TinyEn.Dimensions(), 1, 40, 0.6))
	assert.ErrorIs(t, err, speech2seq.ErrNotMultilingual)
	assert.Zero(t, e.Registry().RefCount(architecture.TinyEn))
}

func TestEngine_Close(t *testing.T) {
	e, err := NewEngine(Config{ModelsDir: newModelsDir(t, "tiny")}, newFakeProvider(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	mel := testMel(architecture.Tiny.Dimensions(), 1, 40, 0)

	s, err := e.NewSession(ctx, "tiny", mel, 1, 4)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = s.Step(ctx, [][]int64{{speech2seq.StartOfTranscript}})
	assert.ErrorIs(t, err, speech2seq.ErrSessionClosed)
	assert.Zero(t, e.OpenSessions())

	_, err = e.NewSession(ctx, "tiny", mel, 1, 4)
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.DetectLanguage(ctx, "tiny", mel)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{MaxConcurrentSessions: -1}, newFakeProvider(), nil)
	assert.Error(t, err)
}
