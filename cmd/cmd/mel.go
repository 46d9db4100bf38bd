// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// addMelFlags registers the audio input flags shared by detect and decode.
func addMelFlags(cmd *cobra.Command) {
	cmd.Flags().String("mel", "", "log-mel spectrogram file: little-endian float32, [n_mels, frames] row-major (- for stdin)")
	cmd.Flags().Int("frames", 3000, "frames of synthetic audio when --mel is not set")
}

func melFromFlags(cmd *cobra.Command, dims architecture.Dimensions) (speech2seq.Mel, error) {
	path, _ := cmd.Flags().GetString("mel")
	if path == "" {
		frames, _ := cmd.Flags().GetInt("frames")
		return syntheticMel(dims.NMels, frames)
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return speech2seq.Mel{}, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return readMel(r, dims.NMels)
}

// readMel decodes a raw float32 spectrogram with nMels rows.
func readMel(r io.Reader, nMels int) (speech2seq.Mel, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return speech2seq.Mel{}, fmt.Errorf("reading mel: %w", err)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return speech2seq.Mel{}, fmt.Errorf("mel input of %d bytes is not a float32 array", len(raw))
	}
	n := len(raw) / 4
	if n%nMels != 0 {
		return speech2seq.Mel{}, fmt.Errorf("mel input has %d values, not a multiple of %d mel bins", n, nMels)
	}
	data := make([]float32, n)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, data); err != nil {
		return speech2seq.Mel{}, fmt.Errorf("decoding mel: %w", err)
	}
	return speech2seq.Mel{Batch: 1, Mels: nMels, Frames: n / nMels, Data: data}, nil
}

// syntheticMel is a deterministic chirp used for dry runs.
func syntheticMel(nMels, frames int) (speech2seq.Mel, error) {
	if frames < 1 {
		return speech2seq.Mel{}, fmt.Errorf("frames must be positive, got %d", frames)
	}
	data := make([]float32, nMels*frames)
	for m := range nMels {
		for f := range frames {
			data[m*frames+f] = float32(math.Sin(float64(m)*0.1+float64(f)*0.01)) * 0.5
		}
	}
	return speech2seq.Mel{Batch: 1, Mels: nMels, Frames: frames, Data: data}, nil
}

func writeJSON(w io.Writer, v any) error {
	return encoder.NewStreamEncoder(w).Encode(v)
}
