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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/backends/backendtest"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// fakeProvider compiles graphs with one backendtest engine per variant,
// picking the variant from the graph's parent directory.
type fakeProvider struct {
	opts []backendtest.Option

	mu      sync.Mutex
	engines map[architecture.Variant]*backendtest.Engine
	created atomic.Int64
}

func newFakeProvider(opts ...backendtest.Option) *fakeProvider {
	return &fakeProvider{opts: opts, engines: make(map[architecture.Variant]*backendtest.Engine)}
}

func (p *fakeProvider) GetSessionFactoryForModel([]string) (backends.SessionFactory, backends.BackendSpec, error) {
	return p, backends.BackendSpec{Backend: backendtest.BackendFake}, nil
}

func (p *fakeProvider) CreateSession(modelPath string, opts ...backends.SessionOption) (backends.Session, error) {
	v, err := architecture.ParseVariant(filepath.Base(filepath.Dir(modelPath)))
	if err != nil {
		return nil, err
	}
	p.created.Add(1)
	return p.engine(v).SessionFactory().CreateSession(modelPath, opts...)
}

func (p *fakeProvider) Backend() backends.BackendType { return backendtest.BackendFake }

func (p *fakeProvider) engine(v architecture.Variant) *backendtest.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.engines[v]
	if !ok {
		e = backendtest.ForVariant(v, p.opts...)
		p.engines[v] = e
	}
	return e
}

// newModelsDir lays out complete model directories for variants plus a few
// entries discovery must skip.
func newModelsDir(t *testing.T, variants ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, v := range variants {
		vdir := filepath.Join(dir, v)
		require.NoError(t, os.MkdirAll(vdir, 0o755))
		for _, name := range []string{"encoder.onnx", "decoder.onnx"} {
			require.NoError(t, os.WriteFile(filepath.Join(vdir, name), []byte("x"), 0o600))
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "small"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small", "encoder.onnx"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o600))
	return dir
}

func testMel(dims architecture.Dimensions, batch, frames int, seed float32) speech2seq.Mel {
	data := make([]float32, batch*dims.NMels*frames)
	for i := range data {
		data[i] = seed + float32(i%13)*0.1
	}
	return speech2seq.Mel{Batch: batch, Mels: dims.NMels, Frames: frames, Data: data}
}

func TestModelRegistry_Discovery(t *testing.T) {
	dir := newModelsDir(t, "tiny", "base", "tiny.en")
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: dir}, newFakeProvider(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"base", "tiny", "tiny.en"}, r.List())
	assert.Empty(t, r.ListLoaded())

	info, ok := r.Info("TINY")
	require.True(t, ok)
	assert.Equal(t, architecture.Tiny, info.Variant)
	assert.Equal(t, filepath.Join(dir, "tiny", "encoder.onnx"), info.Artifacts.Encoder.Graph)

	_, ok = r.Info("small")
	assert.False(t, ok, "incomplete directories are skipped")
}

func TestModelRegistry_NoModelsDir(t *testing.T) {
	for _, dir := range []string{"", filepath.Join(t.TempDir(), "absent")} {
		r, err := NewModelRegistry(RegistryConfig{ModelsDir: dir}, newFakeProvider(), nil)
		require.NoError(t, err)
		assert.Empty(t, r.List())
		require.NoError(t, r.Close())
	}
}

func TestModelRegistry_Get(t *testing.T) {
	provider := newFakeProvider()
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: newModelsDir(t, "tiny")}, provider, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get("enormous")
	assert.ErrorIs(t, err, architecture.ErrUnsupportedArchitecture)
	_, err = r.Get("medium")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Zero(t, provider.created.Load())

	m, err := r.Get("tiny")
	require.NoError(t, err)
	assert.Equal(t, architecture.Tiny, m.Variant())
	assert.True(t, r.IsLoaded("tiny"))
	assert.Equal(t, []string{"tiny"}, r.ListLoaded())

	again, err := r.Get("Tiny")
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, int64(2), provider.created.Load(), "one encoder and one decoder session")
}

func TestModelRegistry_ConcurrentLoadsShareModel(t *testing.T) {
	provider := newFakeProvider()
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: newModelsDir(t, "base")}, provider, nil)
	require.NoError(t, err)
	defer r.Close()

	models := make([]*speech2seq.Model, 8)
	var g errgroup.Group
	for i := range models {
		g.Go(func() error {
			m, err := r.Acquire("base")
			if err != nil {
				return err
			}
			models[i] = m
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, m := range models {
		assert.Same(t, models[0], m)
	}
	assert.Equal(t, 8, r.RefCount(architecture.Base))

	for range models {
		r.Release("base")
	}
	assert.Zero(t, r.RefCount(architecture.Base))
	r.Release("base")
	assert.Zero(t, r.RefCount(architecture.Base), "extra releases are ignored")
}

func TestModelRegistry_AcquireFailureDropsReference(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: newModelsDir(t, "tiny")}, newFakeProvider(), nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Acquire("base")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Zero(t, r.RefCount(architecture.Base))
}

func TestModelRegistry_KeepAlive(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{
		ModelsDir: newModelsDir(t, "tiny", "base"),
		KeepAlive: 50 * time.Millisecond,
	}, newFakeProvider(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	pinned, err := r.Acquire("tiny")
	require.NoError(t, err)
	idle, err := r.Get("base")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := idle.Encode(ctx, testMel(idle.Dimensions(), 1, 20, 0))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "idle model is closed after the keep-alive")

	time.Sleep(150 * time.Millisecond)
	_, err = pinned.Encode(ctx, testMel(pinned.Dimensions(), 1, 20, 0))
	require.NoError(t, err, "an acquired model outlives the keep-alive")

	r.Release("tiny")
	require.Eventually(t, func() bool {
		_, err := pinned.Encode(ctx, testMel(pinned.Dimensions(), 1, 20, 0))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, r.IsLoaded("tiny"))
}

func TestModelRegistry_Capacity(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{
		ModelsDir:       newModelsDir(t, "tiny", "base"),
		MaxLoadedModels: 1,
	}, newFakeProvider(), nil)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Get("tiny")
	require.NoError(t, err)
	_, err = r.Get("base")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := first.Encode(context.Background(), testMel(first.Dimensions(), 1, 20, 0))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"base"}, r.ListLoaded())
}

func TestModelRegistry_Preload(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: newModelsDir(t, "tiny", "base")}, newFakeProvider(), nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Preload(nil))
	require.NoError(t, r.Preload([]string{"tiny", "medium"}))
	assert.True(t, r.IsLoaded("tiny"))

	err = r.Preload([]string{"medium", "huge"})
	assert.EqualError(t, err, fmt.Sprintf("all %d models failed to preload", 2))
}

func TestModelRegistry_CloseClosesModels(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{ModelsDir: newModelsDir(t, "tiny")}, newFakeProvider(), nil)
	require.NoError(t, err)

	m, err := r.Get("tiny")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = m.Encode(context.Background(), testMel(m.Dimensions(), 1, 20, 0))
	assert.ErrorIs(t, err, speech2seq.ErrModelClosed)
	assert.Empty(t, r.ListLoaded())
}

func TestModelRegistry_CloseClosesUnsweptModels(t *testing.T) {
	r, err := NewModelRegistry(RegistryConfig{
		ModelsDir: newModelsDir(t, "tiny", "base"),
		KeepAlive: time.Hour,
	}, newFakeProvider(), zaptest.NewLogger(t))
	require.NoError(t, err)

	tiny, err := r.Get("tiny")
	require.NoError(t, err)
	base, err := r.Get("base")
	require.NoError(t, err)

	// Neither entry is visible through the cache any more: one is expired
	// but may not be swept yet, the other was dropped without eviction.
	r.cache.Set(architecture.Tiny, tiny, time.Nanosecond)
	r.cache.Delete(architecture.Base)
	require.False(t, r.IsLoaded("base"))

	require.NoError(t, r.Close())
	_, err = base.Encode(context.Background(), testMel(base.Dimensions(), 1, 20, 0))
	assert.ErrorIs(t, err, speech2seq.ErrModelClosed)
	// The cleaner may have won the race for the expired entry.
	assert.Eventually(t, func() bool {
		_, err := tiny.Encode(context.Background(), testMel(tiny.Dimensions(), 1, 20, 0))
		return errors.Is(err, speech2seq.ErrModelClosed)
	}, time.Second, 10*time.Millisecond)
}
