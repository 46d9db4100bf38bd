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

// Package architecture is the single source of truth for Whisper model
// dimensions and the key/value cache geometry derived from them.
//
// Variant names are resolved through a closed table. Call sites must look up
// geometry here instead of deriving cache shapes themselves.
package architecture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedArchitecture is returned for variant names outside the registry.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")

	// ErrGeometryMismatch reports disagreement between two descriptions of the
	// same model geometry (registry vs cache table, registry vs model files,
	// or an engine output of unexpected shape).
	ErrGeometryMismatch = errors.New("geometry mismatch")
)

// Variant identifies a Whisper model size.
type Variant string

const (
	Tiny     Variant = "tiny"
	TinyEn   Variant = "tiny.en"
	Base     Variant = "base"
	BaseEn   Variant = "base.en"
	Small    Variant = "small"
	SmallEn  Variant = "small.en"
	Medium   Variant = "medium"
	MediumEn Variant = "medium.en"
	Large    Variant = "large"
)

// Vocabulary sizes of the two Whisper tokenizers.
const (
	MultilingualVocabSize = 51865
	EnglishVocabSize      = 51864
)

// Dimensions is the immutable dimensional configuration of one variant.
type Dimensions struct {
	NMels       int `json:"n_mels"`
	NAudioCtx   int `json:"n_audio_ctx"`
	NAudioState int `json:"n_audio_state"`
	NAudioHead  int `json:"n_audio_head"`
	NAudioLayer int `json:"n_audio_layer"`
	NVocab      int `json:"n_vocab"`
	NTextCtx    int `json:"n_text_ctx"`
	NTextState  int `json:"n_text_state"`
	NTextHead   int `json:"n_text_head"`
	NTextLayer  int `json:"n_text_layer"`
}

// CacheGeometry is the architecture-dependent part of the KV cache shape:
// (Slots, groups, length, Width).
type CacheGeometry struct {
	// Slots is one key and one value slot per text decoder layer.
	Slots int
	// Width is the text embedding width.
	Width int
}

func (g CacheGeometry) String() string {
	return fmt.Sprintf("slots=%d width=%d", g.Slots, g.Width)
}

// CacheGeometry derives the cache geometry from the text decoder stack.
func (d Dimensions) CacheGeometry() CacheGeometry {
	return CacheGeometry{Slots: 2 * d.NTextLayer, Width: d.NTextState}
}

// IsMultilingual reports whether the variant uses the multilingual vocabulary.
func (d Dimensions) IsMultilingual() bool {
	return d.NVocab == MultilingualVocabSize
}

// Validate checks that every field is a positive integer.
func (d Dimensions) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"n_mels", d.NMels},
		{"n_audio_ctx", d.NAudioCtx},
		{"n_audio_state", d.NAudioState},
		{"n_audio_head", d.NAudioHead},
		{"n_audio_layer", d.NAudioLayer},
		{"n_vocab", d.NVocab},
		{"n_text_ctx", d.NTextCtx},
		{"n_text_state", d.NTextState},
		{"n_text_head", d.NTextHead},
		{"n_text_layer", d.NTextLayer},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}
	return nil
}

// family groups a variant with its English-only counterpart. Both share one
// row of the cache geometry table.
type family string

const (
	familyTiny   family = "tiny"
	familyBase   family = "base"
	familySmall  family = "small"
	familyMedium family = "medium"
	familyLarge  family = "large"
)

type variantInfo struct {
	family family
	dims   Dimensions
}

func multilingual(d Dimensions) Dimensions {
	d.NVocab = MultilingualVocabSize
	return d
}

func englishOnly(d Dimensions) Dimensions {
	d.NVocab = EnglishVocabSize
	return d
}

var (
	tinyDims = Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 384, NAudioHead: 6, NAudioLayer: 4,
		NTextCtx: 448, NTextState: 384, NTextHead: 6, NTextLayer: 4,
	}
	baseDims = Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 512, NAudioHead: 8, NAudioLayer: 6,
		NTextCtx: 448, NTextState: 512, NTextHead: 8, NTextLayer: 6,
	}
	smallDims = Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 768, NAudioHead: 12, NAudioLayer: 12,
		NTextCtx: 448, NTextState: 768, NTextHead: 12, NTextLayer: 12,
	}
	mediumDims = Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 1024, NAudioHead: 16, NAudioLayer: 24,
		NTextCtx: 448, NTextState: 1024, NTextHead: 16, NTextLayer: 24,
	}
	largeDims = Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 1280, NAudioHead: 20, NAudioLayer: 32,
		NTextCtx: 448, NTextState: 1280, NTextHead: 20, NTextLayer: 32,
	}
)

var variants = map[Variant]variantInfo{
	Tiny:     {familyTiny, multilingual(tinyDims)},
	TinyEn:   {familyTiny, englishOnly(tinyDims)},
	Base:     {familyBase, multilingual(baseDims)},
	BaseEn:   {familyBase, englishOnly(baseDims)},
	Small:    {familySmall, multilingual(smallDims)},
	SmallEn:  {familySmall, englishOnly(smallDims)},
	Medium:   {familyMedium, multilingual(mediumDims)},
	MediumEn: {familyMedium, englishOnly(mediumDims)},
	Large:    {familyLarge, multilingual(largeDims)},
}

// cacheTable is the published cache geometry per family. It must agree with
// the dimensions above; init refuses to start otherwise.
var cacheTable = map[family]CacheGeometry{
	familyTiny:   {Slots: 8, Width: 384},
	familyBase:   {Slots: 12, Width: 512},
	familySmall:  {Slots: 24, Width: 768},
	familyMedium: {Slots: 48, Width: 1024},
	familyLarge:  {Slots: 64, Width: 1280},
}

func init() {
	if err := checkTables(variants, cacheTable); err != nil {
		panic(err)
	}
}

// checkTables verifies that every variant has valid dimensions and a cache
// table row matching its derived geometry, and that no table row is orphaned.
func checkTables(vs map[Variant]variantInfo, table map[family]CacheGeometry) error {
	used := make(map[family]bool, len(table))
	for v, info := range vs {
		if err := info.dims.Validate(); err != nil {
			return fmt.Errorf("%w: variant %q: %v", ErrGeometryMismatch, v, err)
		}
		want, ok := table[info.family]
		if !ok {
			return fmt.Errorf("%w: variant %q has no cache table entry", ErrGeometryMismatch, v)
		}
		if got := info.dims.CacheGeometry(); got != want {
			return fmt.Errorf("%w: variant %q derives %s, cache table says %s",
				ErrGeometryMismatch, v, got, want)
		}
		used[info.family] = true
	}
	for f := range table {
		if !used[f] {
			return fmt.Errorf("%w: cache table entry %q has no variant", ErrGeometryMismatch, f)
		}
	}
	return nil
}

// ParseVariant resolves a variant name. Matching is case-insensitive and
// ignores surrounding whitespace.
func ParseVariant(name string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := variants[v]; !ok {
		return "", fmt.Errorf("%w: %q (valid: %s)", ErrUnsupportedArchitecture, name, strings.Join(VariantStrings(), ", "))
	}
	return v, nil
}

// GeometryFor returns the dimensional configuration for a variant name.
func GeometryFor(name string) (Dimensions, error) {
	v, err := ParseVariant(name)
	if err != nil {
		return Dimensions{}, err
	}
	return variants[v].dims, nil
}

// CacheGeometryFor returns the cache geometry for a variant name.
func CacheGeometryFor(name string) (CacheGeometry, error) {
	v, err := ParseVariant(name)
	if err != nil {
		return CacheGeometry{}, err
	}
	return cacheTable[variants[v].family], nil
}

// Dimensions returns the configuration of a parsed variant. It panics for a
// Variant value that did not come from ParseVariant or the declared constants.
func (v Variant) Dimensions() Dimensions {
	info, ok := variants[v]
	if !ok {
		panic(fmt.Sprintf("architecture: unknown variant %q", string(v)))
	}
	return info.dims
}

// EnglishOnly reports whether the variant is an English-only (".en") model.
func (v Variant) EnglishOnly() bool {
	return strings.HasSuffix(string(v), ".en")
}

// Variants returns all registered variants sorted by size, multilingual first.
func Variants() []Variant {
	out := make([]Variant, 0, len(variants))
	for v := range variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := variants[out[i]].dims, variants[out[j]].dims
		if di.NTextState != dj.NTextState {
			return di.NTextState < dj.NTextState
		}
		return out[i] < out[j]
	})
	return out
}

// VariantStrings returns valid variant names for documentation/validation.
func VariantStrings() []string {
	vs := Variants()
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
