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

// Package whisperkv serves Whisper decoding sessions over lazily loaded
// models. Each session pins its model in the registry and holds one slot of
// the concurrent-session limit until it is closed.
package whisperkv

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// ErrEngineClosed is returned by an Engine after Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine opens decoding sessions against the models found in a models
// directory.
type Engine struct {
	registry *ModelRegistry
	features *FeatureCache
	sessions *semaphore.Weighted
	manager  *backends.SessionManager
	logger   *zap.Logger

	mu     sync.Mutex
	open   map[*speech2seq.Session]struct{}
	closed bool
}

// NewEngine creates an engine. A nil factories uses a SessionManager honoring
// config.BackendPriority.
func NewEngine(config Config, factories FactoryProvider, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		logger: logger,
		open:   make(map[*speech2seq.Session]struct{}),
	}

	if factories == nil {
		specs, err := config.backendSpecs()
		if err != nil {
			return nil, err
		}
		e.manager = backends.NewSessionManager()
		if len(specs) > 0 {
			e.manager.SetPriority(specs)
		}
		factories = e.manager
	}

	var modelOpts []speech2seq.Option
	if config.NumThreads > 0 {
		modelOpts = append(modelOpts, speech2seq.WithSessionOptions(backends.WithSessionThreads(config.NumThreads)))
	}
	registry, err := NewModelRegistry(RegistryConfig{
		ModelsDir:       config.ModelsDir,
		KeepAlive:       config.KeepAlive,
		MaxLoadedModels: config.MaxLoadedModels,
		ModelOptions:    modelOpts,
	}, factories, logger.Named("registry"))
	if err != nil {
		if e.manager != nil {
			_ = e.manager.Close()
		}
		return nil, err
	}
	e.registry = registry

	if config.FeatureCacheTTL > 0 {
		e.features = NewFeatureCache(config.FeatureCacheTTL, config.FeatureCacheSize, logger.Named("features"))
	}
	if config.MaxConcurrentSessions > 0 {
		e.sessions = semaphore.NewWeighted(config.MaxConcurrentSessions)
	}

	logger.Info("Engine ready",
		zap.Strings("models", registry.List()),
		zap.Bool("feature_cache", e.features != nil),
		zap.Int64("max_concurrent_sessions", config.MaxConcurrentSessions))
	return e, nil
}

// Registry returns the model registry.
func (e *Engine) Registry() *ModelRegistry {
	return e.registry
}

// FeatureCacheLen returns the number of cached feature sets, or zero when
// the feature cache is disabled.
func (e *Engine) FeatureCacheLen() int {
	if e.features == nil {
		return 0
	}
	return e.features.Len()
}

// Encode runs (or reuses) the audio encoder of variant.
func (e *Engine) Encode(ctx context.Context, variant string, mel speech2seq.Mel) (*speech2seq.AudioFeatures, error) {
	model, err := e.registry.Acquire(variant)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(variant)
	return e.encode(ctx, model, mel)
}

func (e *Engine) encode(ctx context.Context, model *speech2seq.Model, mel speech2seq.Mel) (*speech2seq.AudioFeatures, error) {
	if e.features == nil {
		return model.Encode(ctx, mel)
	}
	return e.features.Wrap(model).Encode(ctx, mel)
}

// NewSession encodes mel with variant and opens a session with the given
// group count and maximum length. The session holds its model and a session
// slot until it is closed.
func (e *Engine) NewSession(ctx context.Context, variant string, mel speech2seq.Mel, groups, maxLength int) (*speech2seq.Session, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if e.sessions != nil {
		start := time.Now()
		if err := e.sessions.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		sessionWaitTime.Observe(time.Since(start).Seconds())
	}
	releaseSlot := func() {
		if e.sessions != nil {
			e.sessions.Release(1)
		}
	}

	model, err := e.registry.Acquire(variant)
	if err != nil {
		releaseSlot()
		return nil, err
	}
	release := func() {
		e.registry.Release(variant)
		releaseSlot()
	}

	if err := model.CheckSessionSize(groups, maxLength); err != nil {
		release()
		return nil, err
	}
	features, err := e.encode(ctx, model, mel)
	if err != nil {
		release()
		return nil, err
	}
	s, err := model.NewSessionFromFeatures(features, groups, maxLength)
	if err != nil {
		release()
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = s.Close()
		release()
		return nil, ErrEngineClosed
	}
	e.open[s] = struct{}{}
	e.mu.Unlock()

	s.OnClose(func() {
		e.mu.Lock()
		delete(e.open, s)
		e.mu.Unlock()
		release()
	})
	return s, nil
}

// DetectLanguage encodes mel with variant and returns the language
// distribution of each batch entry.
func (e *Engine) DetectLanguage(ctx context.Context, variant string, mel speech2seq.Mel) ([]speech2seq.LanguageDistribution, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	model, err := e.registry.Acquire(variant)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(variant)

	features, err := e.encode(ctx, model, mel)
	if err != nil {
		return nil, err
	}
	return model.DetectLanguage(ctx, features)
}

// OpenSessions returns the number of sessions not yet closed.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// Close closes every open session, then the models and caches.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	open := make([]*speech2seq.Session, 0, len(e.open))
	for s := range e.open {
		open = append(open, s)
	}
	e.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}
	if len(open) > 0 {
		e.logger.Info("Closed open sessions", zap.Int("count", len(open)))
	}

	var errs []error
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.features != nil {
		e.features.Close()
	}
	if e.manager != nil {
		if err := e.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
