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
	"encoding/binary"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// AudioEncoder is the part of a model the feature cache wraps.
type AudioEncoder interface {
	Variant() architecture.Variant
	Encode(ctx context.Context, mel speech2seq.Mel) (*speech2seq.AudioFeatures, error)
}

// CachedEncoder reuses audio features for identical mel inputs. Features are
// never mutated after encoding, so cached values are shared between sessions.
type CachedEncoder struct {
	encoder AudioEncoder
	cache   *ttlcache.Cache[string, *speech2seq.AudioFeatures]
	sfGroup *singleflight.Group
	stats   *encoderCounters
	logger  *zap.Logger
}

type encoderCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedEncoder wraps encoder with cache.
func NewCachedEncoder(
	encoder AudioEncoder,
	cache *ttlcache.Cache[string, *speech2seq.AudioFeatures],
	logger *zap.Logger,
) *CachedEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEncoder{
		encoder: encoder,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		stats:   &encoderCounters{},
		logger:  logger.With(zap.String("variant", string(encoder.Variant()))),
	}
}

// Encode returns cached features when the same mel was encoded recently.
func (c *CachedEncoder) Encode(ctx context.Context, mel speech2seq.Mel) (*speech2seq.AudioFeatures, error) {
	key := c.cacheKey(mel)

	if item := c.cache.Get(key); item != nil {
		c.stats.hits.Add(1)
		RecordCacheHit("features")
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		// A flight that finished after the lookup above has already stored it.
		if item := c.cache.Get(key); item != nil {
			c.stats.hits.Add(1)
			RecordCacheHit("features")
			return item.Value(), nil
		}
		c.stats.misses.Add(1)
		RecordCacheMiss("features")

		start := time.Now()
		features, err := c.encoder.Encode(ctx, mel)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, features, ttlcache.DefaultTTL)

		c.logger.Debug("Audio features encoded and cached",
			zap.Int64s("shape", features.Shape()),
			zap.Duration("duration", time.Since(start)))
		return features, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.stats.sfHits.Add(1)
	}
	return result.(*speech2seq.AudioFeatures), nil
}

// cacheKey hashes the variant, the mel shape and the mel values.
func (c *CachedEncoder) cacheKey(mel speech2seq.Mel) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(c.encoder.Variant()))
	_, _ = h.WriteString("|")

	var buf [8]byte
	for _, d := range []int{mel.Batch, mel.Mels, mel.Frames} {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		_, _ = h.Write(buf[:])
	}
	vals := make([]byte, 4*len(mel.Data))
	for i, v := range mel.Data {
		binary.LittleEndian.PutUint32(vals[4*i:], math.Float32bits(v))
	}
	_, _ = h.Write(vals)

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Stats returns cache statistics for this encoder.
func (c *CachedEncoder) Stats() EncoderCacheStats {
	return EncoderCacheStats{
		Variant:          string(c.encoder.Variant()),
		Hits:             c.stats.hits.Load(),
		Misses:           c.stats.misses.Load(),
		SingleflightHits: c.stats.sfHits.Load(),
	}
}

// EncoderCacheStats holds cache statistics for an encoder.
type EncoderCacheStats struct {
	Variant          string `json:"variant"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
}

// FeatureCache holds audio features for every model of an engine. Encoders
// it wraps share one singleflight group and per-variant statistics.
type FeatureCache struct {
	cache   *ttlcache.Cache[string, *speech2seq.AudioFeatures]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu    sync.Mutex
	stats map[architecture.Variant]*encoderCounters
}

// NewFeatureCache creates a feature cache. A zero ttl uses DefaultFeatureCacheTTL;
// a zero capacity is unlimited.
func NewFeatureCache(ttl time.Duration, capacity uint64, logger *zap.Logger) *FeatureCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl == 0 {
		ttl = DefaultFeatureCacheTTL
	}
	opts := []ttlcache.Option[string, *speech2seq.AudioFeatures]{
		ttlcache.WithTTL[string, *speech2seq.AudioFeatures](ttl),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *speech2seq.AudioFeatures](capacity))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	fc := &FeatureCache{
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
		stats:   make(map[architecture.Variant]*encoderCounters),
	}
	go fc.logStats(ctx)
	return fc
}

// Wrap returns a CachedEncoder sharing this cache, its singleflight group and
// the statistics of encoder's variant.
func (fc *FeatureCache) Wrap(encoder AudioEncoder) *CachedEncoder {
	v := encoder.Variant()
	fc.mu.Lock()
	stats, ok := fc.stats[v]
	if !ok {
		stats = &encoderCounters{}
		fc.stats[v] = stats
	}
	fc.mu.Unlock()

	return &CachedEncoder{
		encoder: encoder,
		cache:   fc.cache,
		sfGroup: fc.sfGroup,
		stats:   stats,
		logger:  fc.logger.With(zap.String("variant", string(v))),
	}
}

// Stats returns per-variant statistics of every encoder wrapped so far.
func (fc *FeatureCache) Stats() []EncoderCacheStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]EncoderCacheStats, 0, len(fc.stats))
	for v, c := range fc.stats {
		out = append(out, EncoderCacheStats{
			Variant:          string(v),
			Hits:             c.hits.Load(),
			Misses:           c.misses.Load(),
			SingleflightHits: c.sfHits.Load(),
		})
	}
	slices.SortFunc(out, func(a, b EncoderCacheStats) int { return strings.Compare(a.Variant, b.Variant) })
	return out
}

// Len returns the number of cached feature sets.
func (fc *FeatureCache) Len() int {
	return fc.cache.Len()
}

// Close stops the cache.
func (fc *FeatureCache) Close() {
	fc.cancel()
	fc.cache.Stop()
}

func (fc *FeatureCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := fc.cache.Metrics()
			total := metrics.Hits + metrics.Misses
			if total == 0 {
				continue
			}
			fc.logger.Info("Feature cache stats",
				zap.Uint64("hits", metrics.Hits),
				zap.Uint64("misses", metrics.Misses),
				zap.Float64("hit_rate_pct", float64(metrics.Hits)/float64(total)*100),
				zap.Int("items", fc.cache.Len()))
		}
	}
}
