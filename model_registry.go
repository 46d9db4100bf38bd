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
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// ErrModelNotFound is returned for a supported variant with no model directory.
var ErrModelNotFound = errors.New("model not found")

// FactoryProvider picks the SessionFactory a model is compiled with.
// *backends.SessionManager implements it.
type FactoryProvider interface {
	GetSessionFactoryForModel(modelBackends []string) (backends.SessionFactory, backends.BackendSpec, error)
}

// ModelInfo describes a discovered model that is not necessarily loaded.
type ModelInfo struct {
	Variant   architecture.Variant
	Path      string
	Artifacts speech2seq.Artifacts
}

// RegistryConfig configures the model registry.
type RegistryConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
	ModelOptions    []speech2seq.Option
}

// ModelRegistry discovers one model directory per variant under ModelsDir and
// loads models lazily, unloading idle ones after the keep-alive.
type ModelRegistry struct {
	modelsDir string
	factories FactoryProvider
	modelOpts []speech2seq.Option
	logger    *zap.Logger

	discovered map[architecture.Variant]*ModelInfo
	mu         sync.RWMutex

	cache *ttlcache.Cache[architecture.Variant, *speech2seq.Model]
	loads singleflight.Group

	// Models loaded and not yet closed, including expired cache entries the
	// cleaner has not swept yet.
	loaded   map[architecture.Variant]*speech2seq.Model
	loadedMu sync.Mutex

	// Reference counting to prevent eviction during active use
	refCounts   map[architecture.Variant]int
	refCountsMu sync.Mutex

	keepAlive time.Duration
}

// NewModelRegistry creates a lazy-loading model registry.
func NewModelRegistry(config RegistryConfig, factories FactoryProvider, logger *zap.Logger) (*ModelRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factories == nil {
		return nil, errors.New("model registry requires a factory provider")
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}

	registry := &ModelRegistry{
		modelsDir:  config.ModelsDir,
		factories:  factories,
		modelOpts:  config.ModelOptions,
		logger:     logger,
		discovered: make(map[architecture.Variant]*ModelInfo),
		refCounts:  make(map[architecture.Variant]int),
		loaded:     make(map[architecture.Variant]*speech2seq.Model),
		keepAlive:  keepAlive,
	}

	cacheOpts := []ttlcache.Option[architecture.Variant, *speech2seq.Model]{
		ttlcache.WithTTL[architecture.Variant, *speech2seq.Model](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[architecture.Variant, *speech2seq.Model](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Manual deletion is cleaned up by Close.
	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[architecture.Variant, *speech2seq.Model]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity"
		}

		// Hold lock through check-and-action to prevent race with Release()
		registry.refCountsMu.Lock()
		refCount := registry.refCounts[item.Key()]
		if refCount > 0 {
			registry.cache.Set(item.Key(), item.Value(), registry.keepAlive)
			registry.refCountsMu.Unlock()
			logger.Warn("Preventing eviction of model with active references",
				zap.String("variant", string(item.Key())),
				zap.Int("refCount", refCount),
				zap.String("reason", reasonStr))
			return
		}
		registry.refCountsMu.Unlock()

		if !registry.forget(item.Key(), item.Value()) {
			return
		}
		logger.Info("Evicting model from cache",
			zap.String("variant", string(item.Key())),
			zap.String("reason", reasonStr))
		RecordModelEviction(string(item.Key()), reasonStr)
		loadedModels.Dec()
		if err := item.Value().Close(); err != nil {
			logger.Warn("Error closing evicted model",
				zap.String("variant", string(item.Key())),
				zap.Error(err))
		}
	})

	go registry.cache.Start()

	if err := registry.discoverModels(); err != nil {
		registry.cache.Stop()
		return nil, err
	}

	logger.Info("Model registry initialized",
		zap.Int("models_discovered", len(registry.discovered)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels))

	return registry, nil
}

// discoverModels finds <modelsDir>/<variant> directories holding an encoder
// and a decoder graph. Directories that are not variant names are skipped.
func (r *ModelRegistry) discoverModels() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}

	entries, err := os.ReadDir(r.modelsDir)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("Models directory does not exist", zap.String("dir", r.modelsDir))
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		variant, err := architecture.ParseVariant(entry.Name())
		if err != nil {
			r.logger.Debug("Skipping directory that is not a model variant",
				zap.String("dir", entry.Name()))
			continue
		}
		path := filepath.Join(r.modelsDir, entry.Name())
		artifacts, err := speech2seq.DiscoverArtifacts(path)
		if err != nil {
			r.logger.Warn("Skipping incomplete model directory",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		r.discovered[variant] = &ModelInfo{Variant: variant, Path: path, Artifacts: artifacts}
		r.logger.Info("Discovered model (not loaded)",
			zap.String("variant", string(variant)),
			zap.String("path", path))
	}
	return nil
}

// Get returns the model for a variant, loading it if necessary. Prefer
// Acquire for anything that outlives a single call.
func (r *ModelRegistry) Get(variant string) (*speech2seq.Model, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	return r.get(v)
}

func (r *ModelRegistry) get(v architecture.Variant) (*speech2seq.Model, error) {
	if item := r.cache.Get(v); item != nil {
		RecordCacheHit("model")
		return item.Value(), nil
	}

	r.mu.RLock()
	info, ok := r.discovered[v]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, v)
	}

	RecordCacheMiss("model")
	res, err, _ := r.loads.Do(string(v), func() (any, error) {
		if item := r.cache.Get(v); item != nil {
			return item.Value(), nil
		}
		return r.loadModel(info)
	})
	if err != nil {
		return nil, err
	}
	return res.(*speech2seq.Model), nil
}

// Acquire returns the model for a variant and pins it in memory. The caller
// must call Release with the same variant when done.
func (r *ModelRegistry) Acquire(variant string) (*speech2seq.Model, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, err
	}

	// Count the reference before loading so a concurrent eviction sees it.
	r.refCountsMu.Lock()
	r.refCounts[v]++
	r.refCountsMu.Unlock()

	m, err := r.get(v)
	if err != nil {
		r.release(v)
		return nil, err
	}
	r.logger.Debug("Acquired model", zap.String("variant", string(v)))
	return m, nil
}

// Release drops a reference taken by Acquire.
func (r *ModelRegistry) Release(variant string) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return
	}
	r.release(v)
	r.logger.Debug("Released model", zap.String("variant", string(v)))
}

func (r *ModelRegistry) release(v architecture.Variant) {
	r.refCountsMu.Lock()
	defer r.refCountsMu.Unlock()
	if r.refCounts[v] > 1 {
		r.refCounts[v]--
	} else {
		delete(r.refCounts, v)
	}
}

// RefCount returns the number of outstanding Acquire calls for a variant.
func (r *ModelRegistry) RefCount(variant architecture.Variant) int {
	r.refCountsMu.Lock()
	defer r.refCountsMu.Unlock()
	return r.refCounts[variant]
}

func (r *ModelRegistry) loadModel(info *ModelInfo) (*speech2seq.Model, error) {
	r.logger.Info("Loading model on demand",
		zap.String("variant", string(info.Variant)),
		zap.String("path", info.Path))

	factory, spec, err := r.factories.GetSessionFactoryForModel(nil)
	if err != nil {
		return nil, fmt.Errorf("selecting backend for %s: %w", info.Variant, err)
	}

	start := time.Now()
	opts := append([]speech2seq.Option{
		speech2seq.WithLogger(r.logger.Named(string(info.Variant))),
		speech2seq.WithConfigDir(info.Path),
	}, r.modelOpts...)
	model, err := speech2seq.LoadModel(string(info.Variant), info.Artifacts, factory, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", info.Variant, err)
	}
	RecordModelLoadDuration(string(info.Variant), spec.String(), time.Since(start).Seconds())

	r.logger.Info("Successfully loaded model",
		zap.String("variant", string(info.Variant)),
		zap.String("backend", spec.String()),
		zap.Duration("took", time.Since(start)))

	r.loadedMu.Lock()
	r.loaded[info.Variant] = model
	r.loadedMu.Unlock()
	r.cache.Set(info.Variant, model, r.keepAlive)
	loadedModels.Inc()
	return model, nil
}

// forget removes m from the loaded set and reports whether the caller now
// owns closing it.
func (r *ModelRegistry) forget(v architecture.Variant, m *speech2seq.Model) bool {
	r.loadedMu.Lock()
	defer r.loadedMu.Unlock()
	if r.loaded[v] != m {
		return false
	}
	delete(r.loaded, v)
	return true
}

// List returns the discovered variants, loaded or not.
func (r *ModelRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.discovered))
	for v := range r.discovered {
		names = append(names, string(v))
	}
	slices.Sort(names)
	return names
}

// ListLoaded returns the variants currently loaded.
func (r *ModelRegistry) ListLoaded() []string {
	keys := r.cache.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, string(k))
	}
	slices.Sort(names)
	return names
}

// IsLoaded reports whether a variant is loaded.
func (r *ModelRegistry) IsLoaded(variant string) bool {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return false
	}
	return r.cache.Has(v)
}

// Info returns the discovery record for a variant.
func (r *ModelRegistry) Info(variant string) (*ModelInfo, bool) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.discovered[v]
	return info, ok
}

// Preload loads the given variants to avoid first-request latency.
func (r *ModelRegistry) Preload(variants []string) error {
	if len(variants) == 0 {
		return nil
	}

	r.logger.Info("Preloading models", zap.Strings("variants", variants))

	var loaded, failed int
	for _, name := range variants {
		if _, err := r.Get(name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("variant", name),
				zap.Error(err))
			failed++
			continue
		}
		loaded++
	}

	r.logger.Info("Preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))

	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}
	return nil
}

// Close stops the cache and closes every loaded model.
func (r *ModelRegistry) Close() error {
	r.logger.Info("Closing model registry")

	r.cache.Stop()

	r.loadedMu.Lock()
	models := r.loaded
	r.loaded = make(map[architecture.Variant]*speech2seq.Model)
	r.loadedMu.Unlock()

	var errs []error
	for v, m := range models {
		if err := m.Close(); err != nil {
			r.logger.Warn("Error closing model",
				zap.String("variant", string(v)),
				zap.Error(err))
			errs = append(errs, err)
		}
		loadedModels.Dec()
	}

	// Eviction callbacks skip EvictionReasonDeleted.
	r.cache.DeleteAll()
	return errors.Join(errs...)
}
