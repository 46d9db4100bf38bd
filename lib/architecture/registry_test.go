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

package architecture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGeometryFor(t *testing.T) {
	tests := []struct {
		name  string
		slots int
		width int
	}{
		{"tiny", 8, 384},
		{"tiny.en", 8, 384},
		{"base", 12, 512},
		{"base.en", 12, 512},
		{"small", 24, 768},
		{"small.en", 24, 768},
		{"medium", 48, 1024},
		{"medium.en", 48, 1024},
		{"large", 64, 1280},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			geom, err := CacheGeometryFor(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.slots, geom.Slots)
			assert.Equal(t, tt.width, geom.Width)

			dims, err := GeometryFor(tt.name)
			require.NoError(t, err)
			assert.Equal(t, 2*dims.NTextLayer, geom.Slots)
			assert.Equal(t, dims.NTextState, geom.Width)
			assert.Equal(t, geom, dims.CacheGeometry())
		})
	}

	assert.Len(t, Variants(), len(tests), "every registered variant should be covered")
}

func TestGeometryFor_Unsupported(t *testing.T) {
	for _, name := range []string{"", "huge", "large-v3", "tiny.fr", "base.en.en"} {
		t.Run(name, func(t *testing.T) {
			_, err := GeometryFor(name)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedArchitecture))

			_, err = CacheGeometryFor(name)
			assert.ErrorIs(t, err, ErrUnsupportedArchitecture)
		})
	}
}

func TestParseVariant_Normalizes(t *testing.T) {
	v, err := ParseVariant("  Base.EN ")
	require.NoError(t, err)
	assert.Equal(t, BaseEn, v)
	assert.True(t, v.EnglishOnly())
	assert.False(t, Base.EnglishOnly())
}

func TestDimensions_Multilingual(t *testing.T) {
	for _, v := range Variants() {
		dims := v.Dimensions()
		require.NoError(t, dims.Validate())
		assert.Equal(t, !v.EnglishOnly(), dims.IsMultilingual(), "variant %s", v)
	}
}

func TestDimensions_BaseValues(t *testing.T) {
	dims, err := GeometryFor("base")
	require.NoError(t, err)
	assert.Equal(t, Dimensions{
		NMels: 80, NAudioCtx: 1500, NAudioState: 512, NAudioHead: 8, NAudioLayer: 6,
		NVocab: 51865, NTextCtx: 448, NTextState: 512, NTextHead: 8, NTextLayer: 6,
	}, dims)
}

func TestDimensions_Validate(t *testing.T) {
	dims := Tiny.Dimensions()
	dims.NTextHead = 0
	err := dims.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n_text_head")
}

func TestCheckTables(t *testing.T) {
	t.Run("registered tables agree", func(t *testing.T) {
		assert.NoError(t, checkTables(variants, cacheTable))
	})

	t.Run("width divergence", func(t *testing.T) {
		table := map[family]CacheGeometry{}
		for f, g := range cacheTable {
			table[f] = g
		}
		table[familyBase] = CacheGeometry{Slots: 12, Width: 768}
		err := checkTables(variants, table)
		assert.ErrorIs(t, err, ErrGeometryMismatch)
	})

	t.Run("slot divergence", func(t *testing.T) {
		vs := map[Variant]variantInfo{}
		for v, info := range variants {
			vs[v] = info
		}
		dims := smallDims
		dims.NTextLayer = 6
		vs[Small] = variantInfo{familySmall, multilingual(dims)}
		err := checkTables(vs, cacheTable)
		assert.ErrorIs(t, err, ErrGeometryMismatch)
	})

	t.Run("orphaned row", func(t *testing.T) {
		table := map[family]CacheGeometry{}
		for f, g := range cacheTable {
			table[f] = g
		}
		table["huge"] = CacheGeometry{Slots: 96, Width: 2048}
		err := checkTables(variants, table)
		assert.ErrorIs(t, err, ErrGeometryMismatch)
	})
}

func TestDimensions_PanicsOnUnknownVariant(t *testing.T) {
	assert.Panics(t, func() { Variant("huge").Dimensions() })
}

func TestVariants_Ordered(t *testing.T) {
	assert.Equal(t, []string{
		"tiny", "tiny.en", "base", "base.en", "small", "small.en", "medium", "medium.en", "large",
	}, VariantStrings())
}
