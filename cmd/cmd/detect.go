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
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/whisperkv/lib/speech2seq"
)

var detectCmd = &cobra.Command{
	Use:   "detect <variant>",
	Short: "Detect the spoken language of a spectrogram",
	Long: `Encode a log-mel spectrogram and report the most likely languages.

Examples:
  # Detect the language of a 30s segment
  whisperkv detect base --mel segment.f32

  # Dry run without model files
  whisperkv detect tiny --backend fake`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	addMelFlags(detectCmd)
	detectCmd.Flags().Int("top", 5, "number of languages to report")
}

// DetectResult is the JSON output of detect.
type DetectResult struct {
	Variant  string                           `json:"variant"`
	Language string                           `json:"language"`
	Token    int64                            `json:"token"`
	Top      []speech2seq.LanguageProbability `json:"top"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	t, err := openTarget(args[0], logger)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	mel, err := melFromFlags(cmd, t.Dimensions())
	if err != nil {
		return err
	}
	top, _ := cmd.Flags().GetInt("top")

	results, err := detect(ctx, t, mel, top)
	if err != nil {
		return err
	}
	for i := range results {
		results[i].Variant = args[0]
	}
	return writeJSON(cmd.OutOrStdout(), results)
}

func detect(ctx context.Context, t target, mel speech2seq.Mel, top int) ([]DetectResult, error) {
	dists, err := t.DetectLanguage(ctx, mel)
	if err != nil {
		return nil, err
	}
	out := make([]DetectResult, len(dists))
	for i, d := range dists {
		out[i] = DetectResult{Language: d.Language, Token: d.Token, Top: d.Top(top)}
	}
	return out, nil
}
