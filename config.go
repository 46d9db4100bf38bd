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
	"fmt"
	"time"

	"github.com/antflydb/whisperkv/lib/backends"
)

// Config configures an Engine.
type Config struct {
	// ModelsDir holds one directory per variant, e.g. <ModelsDir>/base.
	ModelsDir string `json:"models_dir,omitempty" mapstructure:"models_dir"`

	// BackendPriority lists "backend" or "backend:device" entries in the order
	// they are tried. Empty means the registered default order.
	BackendPriority []string `json:"backend_priority,omitempty" mapstructure:"backend_priority"`

	// KeepAlive is how long an idle model stays loaded (0 = forever).
	KeepAlive time.Duration `json:"keep_alive,omitempty" mapstructure:"keep_alive"`

	// MaxLoadedModels caps the number of loaded models (0 = unlimited).
	MaxLoadedModels uint64 `json:"max_loaded_models,omitempty" mapstructure:"max_loaded_models"`

	// MaxConcurrentSessions caps open decoding sessions (0 = unlimited).
	MaxConcurrentSessions int64 `json:"max_concurrent_sessions,omitempty" mapstructure:"max_concurrent_sessions"`

	// FeatureCacheTTL is how long encoded audio features are reused
	// (0 disables the cache).
	FeatureCacheTTL time.Duration `json:"feature_cache_ttl,omitempty" mapstructure:"feature_cache_ttl"`

	// FeatureCacheSize caps cached feature entries (0 = unlimited).
	FeatureCacheSize uint64 `json:"feature_cache_size,omitempty" mapstructure:"feature_cache_size"`

	// NumThreads is passed to the backend when compiling graphs (0 = auto).
	// ONNX Runtime honours it; the GoMLX engines size themselves from GOMAXPROCS.
	NumThreads int `json:"num_threads,omitempty" mapstructure:"num_threads"`
}

// DefaultFeatureCacheTTL matches the embedding cache lifetime of other
// Antfly inference services.
const DefaultFeatureCacheTTL = 2 * time.Minute

// DefaultConfig returns a Config with the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		KeepAlive:       5 * time.Minute,
		FeatureCacheTTL: DefaultFeatureCacheTTL,
	}
}

// backendSpecs parses BackendPriority.
func (c Config) backendSpecs() ([]backends.BackendSpec, error) {
	if len(c.BackendPriority) == 0 {
		return nil, nil
	}
	specs, err := backends.ParseBackendPriority(c.BackendPriority)
	if err != nil {
		return nil, fmt.Errorf("backend_priority: %w", err)
	}
	return specs, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.KeepAlive < 0 {
		return fmt.Errorf("keep_alive must not be negative, got %s", c.KeepAlive)
	}
	if c.FeatureCacheTTL < 0 {
		return fmt.Errorf("feature_cache_ttl must not be negative, got %s", c.FeatureCacheTTL)
	}
	if c.MaxConcurrentSessions < 0 {
		return fmt.Errorf("max_concurrent_sessions must not be negative, got %d", c.MaxConcurrentSessions)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("num_threads must not be negative, got %d", c.NumThreads)
	}
	_, err := c.backendSpecs()
	return err
}
