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
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/kvcache"
)

type sessionState int

const (
	sessionActive sessionState = iota
	sessionAborted
	sessionClosed
)

// Session is the decoding state of one utterance: its audio features, its
// KV cache and the offset of the next position to write. A session is used
// by one caller at a time; calls are serialized internally but the decoding
// protocol is strictly sequential.
type Session struct {
	id        string
	model     *Model
	maxLength int
	logger    *zap.Logger

	mu        sync.Mutex
	state     sessionState
	features  *AudioFeatures
	cache     *kvcache.Cache
	offset    int
	committed [][]int64
	failure   *SessionError
	onClose   []func()
}

func newSession(m *Model, features *AudioFeatures, cache *kvcache.Cache) *Session {
	s := &Session{
		id:        uuid.NewString(),
		model:     m,
		maxLength: cache.Length,
		features:  features,
		cache:     cache,
		committed: make([][]int64, cache.Groups),
	}
	s.logger = m.logger.With(zap.String("session_id", s.id))

	variant := string(m.variant)
	activeSessions.WithLabelValues(variant).Inc()
	cacheBytes.WithLabelValues(variant).Add(float64(cache.SizeBytes()))

	s.logger.Debug("Opened session",
		zap.Int("groups", cache.Groups),
		zap.Int("max_length", cache.Length),
		zap.Int64("cache_bytes", cache.SizeBytes()))
	return s
}

// ID is a unique identifier used in logs and errors.
func (s *Session) ID() string { return s.id }

// MaxLength is the number of positions the cache can hold.
func (s *Session) MaxLength() int { return s.maxLength }

// Offset is the number of positions already cached.
func (s *Session) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Remaining is the number of positions that can still be written.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLength - s.offset
}

// Groups is the number of parallel hypotheses.
func (s *Session) Groups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

// Committed returns, per group, the tokens consumed by successful steps.
func (s *Session) Committed() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTokens(s.committed)
}

// Features returns the audio features every step of this session reads.
func (s *Session) Features() *AudioFeatures {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// Cache returns the current cache. It is the engine's working buffer and must
// be treated as read-only. Nil after Close.
func (s *Session) Cache() *kvcache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Err returns the failure that aborted the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// OnClose registers fn to run once when the session is closed.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessionClosed {
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
}

// Step evaluates tokens at the current offset and returns their logits.
func (s *Session) Step(ctx context.Context, tokens [][]int64) (*Logits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked(ctx, tokens, s.offset)
}

// StepAt evaluates tokens at offset, which may rewind to an earlier position
// but never skip ahead of the current offset. Positions from offset onwards
// are overwritten and the committed tokens are truncated to offset first.
//
// Invalid input returns ErrInvalidTokens or ErrOffsetGap and leaves the
// session usable, as does a cancelled ctx. Any other failure aborts the
// session and returns a *SessionError carrying the committed tokens; every
// later call returns the same error.
func (s *Session) StepAt(ctx context.Context, tokens [][]int64, offset int) (*Logits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked(ctx, tokens, offset)
}

func (s *Session) stepLocked(ctx context.Context, tokens [][]int64, offset int) (*Logits, error) {
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if offset < 0 || offset > s.offset {
		return nil, fmt.Errorf("%w: offset %d, %d positions cached", ErrOffsetGap, offset, s.offset)
	}
	stepLen, err := validateTokens(tokens, s.model.dims.NVocab)
	if err != nil {
		return nil, err
	}
	if len(tokens) != s.cache.Groups {
		return nil, fmt.Errorf("%w: %d token groups for a session of %d groups", ErrInvalidTokens, len(tokens), s.cache.Groups)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.cache.CheckStep(offset, stepLen); err != nil {
		return nil, s.abortLocked(err)
	}

	res, err := s.model.step(ctx, tokens, s.features, s.cache, offset)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, s.abortLocked(err)
	}

	// The returned cache is authoritative whether or not it aliases the old one.
	s.cache = res.Cache
	if end := offset + stepLen; end < s.offset {
		// Rows left by the rewound hypothesis must read as uncached.
		s.cache.ZeroFrom(end)
	}
	for g, row := range tokens {
		s.committed[g] = append(s.committed[g][:offset], row...)
	}
	s.offset = offset + stepLen

	s.logger.Debug("Session step",
		zap.Int("offset", s.offset),
		zap.Int("step_len", stepLen))
	return res.Logits, nil
}

func (s *Session) usableLocked() error {
	switch s.state {
	case sessionClosed:
		return ErrSessionClosed
	case sessionAborted:
		return s.failure
	default:
		return nil
	}
}

func (s *Session) abortLocked(cause error) error {
	s.failure = &SessionError{
		SessionID: s.id,
		Offset:    s.offset,
		Committed: copyTokens(s.committed),
		Err:       cause,
	}
	s.state = sessionAborted
	sessionFailures.WithLabelValues(string(s.model.variant), failureReason(cause)).Inc()
	s.logger.Warn("Session aborted",
		zap.Int("offset", s.offset),
		zap.Error(cause))
	return s.failure
}

// Reorder keeps the hypotheses named by src: group i of the session becomes
// a copy of former group src[i], including its cache rows, audio features
// and committed tokens. The offset is unchanged.
func (s *Session) Reorder(src []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}

	cache, err := s.cache.Reorder(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTokens, err)
	}
	features := s.features.rows(src)
	committed := make([][]int64, len(src))
	for i, g := range src {
		committed[i] = append([]int64(nil), s.committed[g]...)
	}

	cacheBytes.WithLabelValues(string(s.model.variant)).Add(float64(cache.SizeBytes() - s.cache.SizeBytes()))
	s.cache = cache
	s.features = features
	s.committed = committed
	return nil
}

// DetectLanguage returns the per-group language distribution for this
// session's audio. It runs on a throwaway cache and leaves the session's
// cache and offset untouched; a failure does not abort the session.
func (s *Session) DetectLanguage(ctx context.Context) ([]LanguageDistribution, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	features := s.features
	s.mu.Unlock()

	return s.model.DetectLanguage(ctx, features)
}

// Close discards the cache and audio features. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	variant := string(s.model.variant)
	activeSessions.WithLabelValues(variant).Dec()
	cacheBytes.WithLabelValues(variant).Sub(float64(s.cache.SizeBytes()))

	s.state = sessionClosed
	s.cache = nil
	s.features = nil
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	s.logger.Debug("Closed session")
	return nil
}

func copyTokens(in [][]int64) [][]int64 {
	out := make([][]int64, len(in))
	for i, row := range in {
		out[i] = append([]int64(nil), row...)
	}
	return out
}
