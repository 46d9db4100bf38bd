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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
)

// Mel is a log-mel spectrogram laid out row-major as [Batch, Mels, Frames].
type Mel struct {
	Batch  int
	Mels   int
	Frames int
	Data   []float32
}

// Shape returns [batch, mels, frames].
func (m Mel) Shape() []int64 {
	return []int64{int64(m.Batch), int64(m.Mels), int64(m.Frames)}
}

func (m Mel) validate(nMels int) error {
	if m.Batch < 1 || m.Frames < 1 {
		return fmt.Errorf("mel must have positive batch and frames, got shape %v", m.Shape())
	}
	if m.Mels != nMels {
		return fmt.Errorf("%w: mel has %d channels, model expects %d", ErrGeometryMismatch, m.Mels, nMels)
	}
	if len(m.Data) != m.Batch*m.Mels*m.Frames {
		return fmt.Errorf("mel has %d values, shape %v needs %d", len(m.Data), m.Shape(), m.Batch*m.Mels*m.Frames)
	}
	return nil
}

// AudioFeatures is the encoder output for one utterance, shaped
// [batch, context, width]. It is immutable once built and may be shared by
// any number of decoder calls and sessions.
type AudioFeatures struct {
	batch   int
	context int
	width   int
	data    []float32
}

// NewAudioFeatures copies data into a new AudioFeatures value.
func NewAudioFeatures(batch, audioCtx, width int, data []float32) (*AudioFeatures, error) {
	if batch < 1 || audioCtx < 1 || width < 1 {
		return nil, fmt.Errorf("audio features need positive dimensions, got [%d %d %d]", batch, audioCtx, width)
	}
	if len(data) != batch*audioCtx*width {
		return nil, fmt.Errorf("audio features have %d values, shape [%d %d %d] needs %d",
			len(data), batch, audioCtx, width, batch*audioCtx*width)
	}
	owned := make([]float32, len(data))
	copy(owned, data)
	return &AudioFeatures{batch: batch, context: audioCtx, width: width, data: owned}, nil
}

func (f *AudioFeatures) Batch() int   { return f.batch }
func (f *AudioFeatures) Context() int { return f.context }
func (f *AudioFeatures) Width() int   { return f.width }

// Shape returns [batch, context, width].
func (f *AudioFeatures) Shape() []int64 {
	return []int64{int64(f.batch), int64(f.context), int64(f.width)}
}

// Data returns a copy of the feature values.
func (f *AudioFeatures) Data() []float32 {
	out := make([]float32, len(f.data))
	copy(out, f.data)
	return out
}

// Broadcast returns features whose batch equals groups. A batch of one is
// repeated once per group; a batch that already equals groups is returned
// as is.
func (f *AudioFeatures) Broadcast(groups int) (*AudioFeatures, error) {
	switch {
	case f.batch == groups:
		return f, nil
	case f.batch == 1 && groups > 1:
		data := make([]float32, 0, groups*len(f.data))
		for range groups {
			data = append(data, f.data...)
		}
		return &AudioFeatures{batch: groups, context: f.context, width: f.width, data: data}, nil
	default:
		return nil, fmt.Errorf("%w: audio features batch %d cannot serve %d groups", ErrGeometryMismatch, f.batch, groups)
	}
}

// rows returns features whose batch entry i is a copy of entry src[i].
// A batch of one is shared by every group and is returned unchanged.
func (f *AudioFeatures) rows(src []int) *AudioFeatures {
	if f.batch == 1 && len(src) == 1 {
		return f
	}
	row := f.context * f.width
	data := make([]float32, 0, len(src)*row)
	for _, b := range src {
		if f.batch == 1 {
			b = 0
		}
		data = append(data, f.data[b*row:(b+1)*row]...)
	}
	return &AudioFeatures{batch: len(src), context: f.context, width: f.width, data: data}
}

// tensor aliases the feature data. Engines treat inputs as read-only.
func (f *AudioFeatures) tensor() backends.NamedTensor {
	return backends.NamedTensor{Name: InputAudioFeatures, Shape: f.Shape(), Data: f.data}
}

// AudioEncoder runs the encoder graph. Apart from the compiled engine it
// holds no state, so one encoder may serve concurrent calls when its
// session allows it.
type AudioEncoder struct {
	session backends.Session
	variant architecture.Variant
	dims    architecture.Dimensions
	logger  *zap.Logger
}

// NewAudioEncoder wraps an encoder session.
func NewAudioEncoder(session backends.Session, variant architecture.Variant, dims architecture.Dimensions, logger *zap.Logger) *AudioEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioEncoder{session: session, variant: variant, dims: dims, logger: logger.With(zap.String("variant", string(variant)))}
}

// Encode invokes the engine exactly once. The caller's mel is never modified.
// Every failure wraps ErrEncodingFailed.
func (e *AudioEncoder) Encode(ctx context.Context, mel Mel) (feats *AudioFeatures, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := mel.validate(e.dims.NMels); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	start := time.Now()
	defer func() {
		encoderCalls.WithLabelValues(string(e.variant), statusLabel(err)).Inc()
		encodeDuration.WithLabelValues(string(e.variant)).Observe(time.Since(start).Seconds())
	}()

	input := make([]float32, len(mel.Data))
	copy(input, mel.Data)

	outputs, err := e.session.Run([]backends.NamedTensor{{
		Name:  e.inputName(),
		Shape: mel.Shape(),
		Data:  input,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: running encoder: %w", ErrEncodingFailed, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no encoder output", ErrEncodingFailed)
	}

	out := outputs[0]
	if len(out.Shape) != 3 {
		return nil, fmt.Errorf("%w: %w: encoder output shape %v is not rank 3", ErrEncodingFailed, ErrGeometryMismatch, out.Shape)
	}
	batch, audioCtx, width := int(out.Shape[0]), int(out.Shape[1]), int(out.Shape[2])
	if batch != mel.Batch || width != e.dims.NAudioState || audioCtx < 1 || audioCtx > e.dims.NAudioCtx {
		return nil, fmt.Errorf("%w: %w: encoder output shape %v, want [%d <=%d %d]",
			ErrEncodingFailed, ErrGeometryMismatch, out.Shape, mel.Batch, e.dims.NAudioCtx, e.dims.NAudioState)
	}
	data, err := out.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	e.logger.Debug("Encoded audio",
		zap.Int("batch", batch),
		zap.Int("frames", mel.Frames),
		zap.Int("audio_ctx", audioCtx),
		zap.Duration("took", time.Since(start)))

	// Engines may reuse output buffers, so the features own a copy.
	return NewAudioFeatures(batch, audioCtx, width, data)
}

// inputName returns the graph's first declared input. Whisper encoders take
// one positional mel tensor whose name varies by exporter.
func (e *AudioEncoder) inputName() string {
	if info := e.session.InputInfo(); len(info) > 0 {
		return info[0].Name
	}
	return "mel"
}

// Close releases the encoder session.
func (e *AudioEncoder) Close() error {
	return e.session.Close()
}
