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

// Package kvcache owns the text decoder's self-attention key/value buffer.
//
// A Cache is a dense float32 tensor laid out row-major as
// [slots, groups, length, width], where slots is two per text layer (one key,
// one value) and width is the text embedding width. Both come from the
// architecture registry; nothing in this package hardcodes them.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
)

// ErrCacheOverflow is returned when a step would write past the allocated length.
var ErrCacheOverflow = errors.New("cache overflow")

// Cache is one decoding session's key/value buffer.
type Cache struct {
	Slots  int
	Groups int
	Length int
	Width  int

	// Data holds Slots*Groups*Length*Width values.
	Data []float32
}

// Allocate returns a zero-filled cache sized for dims. Positions that have not
// been written yet read as zero.
func Allocate(dims architecture.Dimensions, groups, maxLength int) (*Cache, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	return allocate(dims.CacheGeometry(), groups, maxLength)
}

// AllocateFor looks the variant up in the registry and allocates a cache for it.
func AllocateFor(variant string, groups, maxLength int) (*Cache, error) {
	geom, err := architecture.CacheGeometryFor(variant)
	if err != nil {
		return nil, err
	}
	return allocate(geom, groups, maxLength)
}

// SizeFor returns the shape and byte size of the cache AllocateFor would
// return, without allocating it.
func SizeFor(variant string, groups, maxLength int) ([]int64, int64, error) {
	geom, err := architecture.CacheGeometryFor(variant)
	if err != nil {
		return nil, 0, err
	}
	if err := checkSize(groups, maxLength); err != nil {
		return nil, 0, err
	}
	shape := []int64{int64(geom.Slots), int64(groups), int64(maxLength), int64(geom.Width)}
	return shape, int64(backends.NumElements(shape)) * 4, nil
}

func checkSize(groups, maxLength int) error {
	if groups < 1 {
		return fmt.Errorf("group count must be positive, got %d", groups)
	}
	if maxLength < 1 {
		return fmt.Errorf("max length must be positive, got %d", maxLength)
	}
	return nil
}

func allocate(geom architecture.CacheGeometry, groups, maxLength int) (*Cache, error) {
	if err := checkSize(groups, maxLength); err != nil {
		return nil, err
	}
	return &Cache{
		Slots:  geom.Slots,
		Groups: groups,
		Length: maxLength,
		Width:  geom.Width,
		Data:   make([]float32, geom.Slots*groups*maxLength*geom.Width),
	}, nil
}

// Geometry returns the architecture-derived part of the shape.
func (c *Cache) Geometry() architecture.CacheGeometry {
	return architecture.CacheGeometry{Slots: c.Slots, Width: c.Width}
}

// Shape returns [slots, groups, length, width].
func (c *Cache) Shape() []int64 {
	return []int64{int64(c.Slots), int64(c.Groups), int64(c.Length), int64(c.Width)}
}

// SizeBytes is the size of the buffer in bytes.
func (c *Cache) SizeBytes() int64 {
	return int64(len(c.Data)) * 4
}

// Tensor exposes the cache as an engine input. The tensor aliases Data.
func (c *Cache) Tensor(name string) backends.NamedTensor {
	return backends.NamedTensor{Name: name, Shape: c.Shape(), Data: c.Data}
}

// FromTensor adopts an engine output as the cache that replaces prev. The
// output may alias prev's buffer or be a new one; either way its shape must
// equal prev's exactly.
func FromTensor(t backends.NamedTensor, prev *Cache) (*Cache, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("%w: %s has rank %d, want 4", architecture.ErrGeometryMismatch, t.Name, len(t.Shape))
	}
	want := prev.Shape()
	for i := range want {
		if t.Shape[i] != want[i] {
			return nil, fmt.Errorf("%w: %s has shape %v, want %v", architecture.ErrGeometryMismatch, t.Name, t.Shape, want)
		}
	}
	data, err := t.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", architecture.ErrGeometryMismatch, err)
	}
	return &Cache{
		Slots:  prev.Slots,
		Groups: prev.Groups,
		Length: prev.Length,
		Width:  prev.Width,
		Data:   data,
	}, nil
}

// CheckStep reports whether stepLen tokens can be written starting at offset.
func (c *Cache) CheckStep(offset, stepLen int) error {
	if offset < 0 {
		return fmt.Errorf("negative offset %d", offset)
	}
	if stepLen < 1 {
		return fmt.Errorf("step must consume at least one token, got %d", stepLen)
	}
	if offset+stepLen > c.Length {
		return fmt.Errorf("%w: offset %d + %d tokens > length %d", ErrCacheOverflow, offset, stepLen, c.Length)
	}
	return nil
}

// Row returns the width-sized vector at (slot, group, pos). It aliases Data.
func (c *Cache) Row(slot, group, pos int) []float32 {
	start := ((slot*c.Groups+group)*c.Length + pos) * c.Width
	return c.Data[start : start+c.Width]
}

// PositionIsZero reports whether position pos is zero in every slot and group.
func (c *Cache) PositionIsZero(pos int) bool {
	for s := range c.Slots {
		for g := range c.Groups {
			for _, v := range c.Row(s, g, pos) {
				if v != 0 {
					return false
				}
			}
		}
	}
	return true
}

// IsZeroFrom reports whether every position at or beyond pos is zero.
func (c *Cache) IsZeroFrom(pos int) bool {
	for p := max(pos, 0); p < c.Length; p++ {
		if !c.PositionIsZero(p) {
			return false
		}
	}
	return true
}

// ZeroFrom clears every position at or beyond pos in all slots and groups.
func (c *Cache) ZeroFrom(pos int) {
	pos = max(pos, 0)
	if pos >= c.Length {
		return
	}
	for s := range c.Slots {
		for g := range c.Groups {
			base := (s*c.Groups + g) * c.Length
			clear(c.Data[(base+pos)*c.Width : (base+c.Length)*c.Width])
		}
	}
}

// Clone returns a deep copy.
func (c *Cache) Clone() *Cache {
	out := *c
	out.Data = make([]float32, len(c.Data))
	copy(out.Data, c.Data)
	return &out
}

// Reorder returns a new cache whose group i is a copy of group src[i], the
// kv_cache[:, src] selection beam search needs after pruning hypotheses.
// The receiver is left unchanged.
func (c *Cache) Reorder(src []int) (*Cache, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("reorder needs at least one source group")
	}
	for i, g := range src {
		if g < 0 || g >= c.Groups {
			return nil, fmt.Errorf("source index %d at position %d out of range [0, %d)", g, i, c.Groups)
		}
	}

	out := &Cache{
		Slots:  c.Slots,
		Groups: len(src),
		Length: c.Length,
		Width:  c.Width,
		Data:   make([]float32, c.Slots*len(src)*c.Length*c.Width),
	}
	block := c.Length * c.Width
	for s := range c.Slots {
		for dst, g := range src {
			from := (s*c.Groups + g) * block
			to := (s*out.Groups + dst) * block
			copy(out.Data[to:to+block], c.Data[from:from+block])
		}
	}
	return out, nil
}
