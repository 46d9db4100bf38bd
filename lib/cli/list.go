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

// Package cli holds the table output shared by the whisperkv commands.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// ListOptions contains options for listing models
type ListOptions struct {
	ModelsDir  string
	BinaryName string // Used for help messages
}

// LocalModel describes one installed variant directory.
type LocalModel struct {
	Variant   architecture.Variant
	Path      string
	Size      int64
	Artifacts speech2seq.Artifacts
}

// FindLocalModels returns the complete variant directories under modelsDir in
// registry order.
func FindLocalModels(modelsDir string) ([]LocalModel, error) {
	var out []LocalModel
	for _, v := range architecture.Variants() {
		dir := filepath.Join(modelsDir, string(v))
		artifacts, err := speech2seq.DiscoverArtifacts(dir)
		if err != nil {
			continue
		}
		size, err := dirSize(dir)
		if err != nil {
			return nil, fmt.Errorf("sizing %s: %w", dir, err)
		}
		out = append(out, LocalModel{Variant: v, Path: dir, Size: size, Artifacts: artifacts})
	}
	return out, nil
}

func dirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// ListLocalModels writes a table of installed variants.
func ListLocalModels(w io.Writer, opts ListOptions) error {
	_, _ = fmt.Fprintf(w, "Local models in %s:\n\n", opts.ModelsDir)

	models, err := FindLocalModels(opts.ModelsDir)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "whisperkv"
		}
		_, _ = fmt.Fprintln(w, "No models found locally.")
		_, _ = fmt.Fprintf(w, "\nExport encoder and decoder graphs to <models-dir>/<variant>/ and run '%s list' again.\n", binaryName)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VARIANT\tLANGUAGES\tSIZE\tENCODER\tDECODER")
	for _, m := range models {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Variant,
			languages(m.Variant.Dimensions()),
			FormatBytes(m.Size),
			filepath.Base(m.Artifacts.Encoder.Graph),
			filepath.Base(m.Artifacts.Decoder.Graph),
		)
	}
	return tw.Flush()
}

// PrintVariants writes the dimensions and cache geometry of every supported
// variant.
func PrintVariants(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VARIANT\tLANGUAGES\tMELS\tAUDIO\tTEXT\tVOCAB\tKV CACHE")
	for _, v := range architecture.Variants() {
		d := v.Dimensions()
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%dx%d/%d\t%dx%d/%d\t%d\t%s\n",
			v,
			languages(d),
			d.NMels,
			d.NAudioLayer, d.NAudioState, d.NAudioCtx,
			d.NTextLayer, d.NTextState, d.NTextCtx,
			d.NVocab,
			d.CacheGeometry(),
		)
	}
	return tw.Flush()
}

// PrintBackends prints the given inference backends in selection order.
func PrintBackends(w io.Writer, available []backends.Backend) error {
	if len(available) == 0 {
		_, _ = fmt.Fprintln(w, "No inference backends available.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BACKEND\tNAME\tPRIORITY")
	for _, b := range available {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Type(), b.Name(), b.Priority())
	}
	return tw.Flush()
}

func languages(d architecture.Dimensions) string {
	if d.IsMultilingual() {
		return "multilingual"
	}
	return "english"
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
