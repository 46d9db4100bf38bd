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

// Package speech2seq drives a Whisper encoder/decoder pair: it encodes a mel
// spectrogram once per utterance and then runs the text decoder
// incrementally against a fixed-size key/value cache.
package speech2seq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic/decoder"
	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/kvcache"
)

// =============================================================================
// Artifacts
// =============================================================================

// Artifact is a graph definition plus its optional external weights file.
type Artifact struct {
	Graph   string
	Weights string
}

// Artifacts are the resolved files of one model.
type Artifacts struct {
	Encoder Artifact
	Decoder Artifact
}

var (
	encoderGraphNames = []string{"encoder_model.onnx", "encoder.onnx", "encoder.xml"}
	decoderGraphNames = []string{"decoder_model.onnx", "decoder.onnx", "decoder.xml"}
)

// DiscoverArtifacts finds the encoder and decoder graphs in dir.
func DiscoverArtifacts(dir string) (Artifacts, error) {
	enc, err := findArtifact(dir, encoderGraphNames)
	if err != nil {
		return Artifacts{}, fmt.Errorf("encoder: %w", err)
	}
	dec, err := findArtifact(dir, decoderGraphNames)
	if err != nil {
		return Artifacts{}, fmt.Errorf("decoder: %w", err)
	}
	return Artifacts{Encoder: enc, Decoder: dec}, nil
}

func findArtifact(dir string, names []string) (Artifact, error) {
	for _, name := range names {
		graph := filepath.Join(dir, name)
		if !fileExists(graph) {
			continue
		}
		a := Artifact{Graph: graph}
		ext := filepath.Ext(name)
		for _, w := range []string{graph + ".data", graph[:len(graph)-len(ext)] + ".bin"} {
			if fileExists(w) {
				a.Weights = w
				break
			}
		}
		return a, nil
	}
	return Artifact{}, fmt.Errorf("no graph in %s (tried %v): %w", dir, names, os.ErrNotExist)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// =============================================================================
// Configuration
// =============================================================================

// rawConfig accepts both the Hugging Face config.json keys and the
// dimension names of the reference checkpoints.
type rawConfig struct {
	architecture.Dimensions

	NumMelBins            int `json:"num_mel_bins"`
	MaxSourcePositions    int `json:"max_source_positions"`
	DModel                int `json:"d_model"`
	EncoderAttentionHeads int `json:"encoder_attention_heads"`
	EncoderLayers         int `json:"encoder_layers"`
	VocabSize             int `json:"vocab_size"`
	MaxTargetPositions    int `json:"max_target_positions"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	DecoderLayers         int `json:"decoder_layers"`
}

func (c rawConfig) dimensions() architecture.Dimensions {
	d := c.Dimensions
	d.NMels = firstNonZero(d.NMels, c.NumMelBins)
	d.NAudioCtx = firstNonZero(d.NAudioCtx, c.MaxSourcePositions)
	d.NAudioState = firstNonZero(d.NAudioState, c.DModel)
	d.NAudioHead = firstNonZero(d.NAudioHead, c.EncoderAttentionHeads)
	d.NAudioLayer = firstNonZero(d.NAudioLayer, c.EncoderLayers)
	d.NVocab = firstNonZero(d.NVocab, c.VocabSize)
	d.NTextCtx = firstNonZero(d.NTextCtx, c.MaxTargetPositions)
	d.NTextState = firstNonZero(d.NTextState, c.DModel)
	d.NTextHead = firstNonZero(d.NTextHead, c.DecoderAttentionHeads)
	d.NTextLayer = firstNonZero(d.NTextLayer, c.DecoderLayers)
	return d
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// LoadModelConfig reads config.json from dir.
func LoadModelConfig(dir string) (architecture.Dimensions, error) {
	f, err := os.Open(filepath.Join(dir, "config.json"))
	if err != nil {
		return architecture.Dimensions{}, err
	}
	defer f.Close()

	var raw rawConfig
	if err := decoder.NewStreamDecoder(f).Decode(&raw); err != nil {
		return architecture.Dimensions{}, fmt.Errorf("parsing config.json: %w", err)
	}
	dims := raw.dimensions()
	if err := dims.Validate(); err != nil {
		return architecture.Dimensions{}, fmt.Errorf("config.json: %w", err)
	}
	return dims, nil
}

// CheckDimensions reports ErrGeometryMismatch when got disagrees with the
// registry entry for variant.
func CheckDimensions(variant architecture.Variant, got architecture.Dimensions) error {
	want := variant.Dimensions()
	if got != want {
		return fmt.Errorf("%w: %s registry %+v, model config %+v", ErrGeometryMismatch, variant, want, got)
	}
	return nil
}

// =============================================================================
// Model
// =============================================================================

// Model holds the compiled encoder and decoder of one variant. Its methods
// are safe for concurrent use; every Session owns its own cache and offset.
type Model struct {
	variant   architecture.Variant
	dims      architecture.Dimensions
	backend   backends.BackendType
	encoder   *AudioEncoder
	decoder   *TextDecoder
	languages LanguageTokens
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// LoadModelDir discovers the artifacts in dir, cross-checks config.json when
// present, and loads the model.
func LoadModelDir(variant, dir string, factory backends.SessionFactory, opts ...Option) (*Model, error) {
	if _, err := architecture.ParseVariant(variant); err != nil {
		return nil, err
	}
	artifacts, err := DiscoverArtifacts(dir)
	if err != nil {
		return nil, err
	}
	return LoadModel(variant, artifacts, factory, append([]Option{WithConfigDir(dir)}, opts...)...)
}

// LoadModel compiles the encoder and decoder graphs with factory. The variant
// is resolved before any engine work, so an unknown name fails with
// ErrUnsupportedArchitecture without touching the disk.
func LoadModel(variant string, artifacts Artifacts, factory backends.SessionFactory, opts ...Option) (*Model, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	if o.configDir != "" {
		dims, err := LoadModelConfig(o.configDir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			o.logger.Debug("No config.json, using registry dimensions", zap.String("dir", o.configDir))
		case err != nil:
			return nil, err
		default:
			if err := CheckDimensions(v, dims); err != nil {
				return nil, err
			}
		}
	}

	start := time.Now()
	encSession, err := factory.CreateSession(artifacts.Encoder.Graph, o.sessionOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	decSession, err := factory.CreateSession(artifacts.Decoder.Graph, o.sessionOptions...)
	if err != nil {
		_ = encSession.Close()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}

	m, err := newModel(v, encSession, decSession, factory.Backend(), o)
	if err != nil {
		_ = encSession.Close()
		_ = decSession.Close()
		return nil, err
	}
	o.logger.Info("Loaded model",
		zap.String("variant", string(v)),
		zap.String("backend", string(factory.Backend())),
		zap.String("encoder", artifacts.Encoder.Graph),
		zap.String("decoder", artifacts.Decoder.Graph),
		zap.Duration("took", time.Since(start)))
	return m, nil
}

// NewModel wraps already compiled encoder and decoder sessions. The model
// takes ownership of both.
func NewModel(variant string, encoder, decoder backends.Session, backend backends.BackendType, opts ...Option) (*Model, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	return newModel(v, encoder, decoder, backend, applyOptions(opts))
}

func newModel(v architecture.Variant, enc, dec backends.Session, backend backends.BackendType, o *modelOptions) (*Model, error) {
	dims := v.Dimensions()
	languages := DefaultLanguageTokens()
	if o.languageTokens != nil {
		languages = *o.languageTokens
	}
	if dims.IsMultilingual() {
		if err := languages.validate(dims.NVocab); err != nil {
			return nil, err
		}
	}

	logger := o.logger.With(zap.String("variant", string(v)))
	return &Model{
		variant:   v,
		dims:      dims,
		backend:   backend,
		encoder:   NewAudioEncoder(enc, v, dims, o.logger),
		decoder:   NewTextDecoder(dec, v, dims, o.logger),
		languages: languages,
		logger:    logger,
	}, nil
}

func (m *Model) Variant() architecture.Variant      { return m.variant }
func (m *Model) Dimensions() architecture.Dimensions { return m.dims }
func (m *Model) Backend() backends.BackendType       { return m.backend }

// IsMultilingual reports whether the model can detect languages.
func (m *Model) IsMultilingual() bool { return m.dims.IsMultilingual() }

// acquire holds the read lock for the duration of an engine call so Close
// waits for in-flight calls.
func (m *Model) acquire() (func(), error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrModelClosed
	}
	return m.mu.RUnlock, nil
}

// Encode runs the audio encoder once.
func (m *Model) Encode(ctx context.Context, mel Mel) (*AudioFeatures, error) {
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return m.encoder.Encode(ctx, mel)
}

func (m *Model) step(ctx context.Context, tokens [][]int64, features *AudioFeatures, cache *kvcache.Cache, offset int) (*StepResult, error) {
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return m.decoder.Step(ctx, tokens, features, cache, offset)
}

// NewSession encodes mel and opens a decoding session over the result. Any
// failure here is fatal; no session is returned.
func (m *Model) NewSession(ctx context.Context, mel Mel, groups, maxLength int) (*Session, error) {
	if err := m.CheckSessionSize(groups, maxLength); err != nil {
		return nil, err
	}
	features, err := m.Encode(ctx, mel)
	if err != nil {
		return nil, err
	}
	return m.NewSessionFromFeatures(features, groups, maxLength)
}

// NewSessionFromFeatures opens a decoding session over features that were
// already encoded. A feature batch of one is shared by every group.
func (m *Model) NewSessionFromFeatures(features *AudioFeatures, groups, maxLength int) (*Session, error) {
	if err := m.CheckSessionSize(groups, maxLength); err != nil {
		return nil, err
	}
	if features.Width() != m.dims.NAudioState {
		return nil, fmt.Errorf("%w: audio features width %d, model expects %d", ErrGeometryMismatch, features.Width(), m.dims.NAudioState)
	}
	features, err := features.Broadcast(groups)
	if err != nil {
		return nil, err
	}
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	release()

	cache, err := kvcache.Allocate(m.dims, groups, maxLength)
	if err != nil {
		return nil, err
	}
	return newSession(m, features, cache), nil
}

// CheckSessionSize validates a group count and maximum length for this model.
func (m *Model) CheckSessionSize(groups, maxLength int) error {
	if groups < 1 {
		return fmt.Errorf("group count must be positive, got %d", groups)
	}
	if maxLength < 1 || maxLength > m.dims.NTextCtx {
		return fmt.Errorf("max length %d outside [1, %d]", maxLength, m.dims.NTextCtx)
	}
	return nil
}

// Logits evaluates tokens from scratch against features, using a throwaway
// cache sized to the tokens at offset 0. It never touches any session.
func (m *Model) Logits(ctx context.Context, tokens [][]int64, features *AudioFeatures) (*Logits, error) {
	stepLen, err := validateTokens(tokens, m.dims.NVocab)
	if err != nil {
		return nil, err
	}
	if stepLen > m.dims.NTextCtx {
		return nil, fmt.Errorf("%w: %d tokens exceed text context %d", ErrCacheOverflow, stepLen, m.dims.NTextCtx)
	}
	features, err = features.Broadcast(len(tokens))
	if err != nil {
		return nil, err
	}
	cache, err := kvcache.Allocate(m.dims, len(tokens), stepLen)
	if err != nil {
		return nil, err
	}
	res, err := m.step(ctx, tokens, features, cache, 0)
	if err != nil {
		return nil, err
	}
	return res.Logits, nil
}

// Forward encodes mel and evaluates tokens against it in one shot.
func (m *Model) Forward(ctx context.Context, mel Mel, tokens [][]int64) (*Logits, error) {
	features, err := m.Encode(ctx, mel)
	if err != nil {
		return nil, err
	}
	return m.Logits(ctx, tokens, features)
}

// DetectLanguage feeds the start-of-transcript token to every batch entry of
// features and returns the first-token distribution over language tags. It
// uses its own single-position cache.
func (m *Model) DetectLanguage(ctx context.Context, features *AudioFeatures) ([]LanguageDistribution, error) {
	if !m.dims.IsMultilingual() {
		return nil, fmt.Errorf("%w: %s", ErrNotMultilingual, m.variant)
	}
	tokens := make([][]int64, features.Batch())
	for g := range tokens {
		tokens[g] = []int64{m.languages.StartOfTranscript}
	}
	logits, err := m.Logits(ctx, tokens, features)
	if err != nil {
		return nil, err
	}

	out := make([]LanguageDistribution, logits.Groups)
	for g := range out {
		out[g] = languageDistribution(logits.At(g, 0), m.languages)
	}
	return out, nil
}

// Close releases both compiled graphs after in-flight calls finish. Open
// sessions fail with ErrModelClosed afterwards.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if err := m.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing encoder: %w", err))
	}
	if err := m.decoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing decoder: %w", err))
	}
	m.logger.Info("Closed model")
	return errors.Join(errs...)
}
