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
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// Special tokens of the multilingual vocabulary.
const (
	tokenEndOfText     int64 = 50257
	tokenTranscribe    int64 = 50359
	tokenNoTimestamps  int64 = 50363
	englishTokenOffset int64 = 1
)

var decodeCmd = &cobra.Command{
	Use:   "decode <variant>",
	Short: "Greedy-decode token ids from a spectrogram",
	Long: `Encode a log-mel spectrogram and decode it greedily, one token per step,
reusing the decoder's key/value cache between steps. Prints token ids; text
detokenization is left to the caller.

Examples:
  # Detect the language, then transcribe
  whisperkv decode base --mel segment.f32

  # Force the language and cap the output
  whisperkv decode small --mel segment.f32 --language de --max-length 64

  # Dry run without model files
  whisperkv decode tiny --backend fake --max-length 16`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	addMelFlags(decodeCmd)
	decodeCmd.Flags().String("language", "auto", "language code, or auto to detect it (multilingual variants)")
	decodeCmd.Flags().Int("max-length", 224, "maximum number of cached positions, prompt included")
	decodeCmd.Flags().Int64Slice("prompt", nil, "explicit prompt token ids (overrides --language)")
}

// DecodeResult is the JSON output of decode.
type DecodeResult struct {
	Variant  string  `json:"variant"`
	Language string  `json:"language,omitempty"`
	Prompt   []int64 `json:"prompt"`
	Tokens   []int64 `json:"tokens"`
	Finished bool    `json:"finished"`
}

func runDecode(cmd *cobra.Command, args []string) error {
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
	maxLength, _ := cmd.Flags().GetInt("max-length")
	language, _ := cmd.Flags().GetString("language")
	prompt, _ := cmd.Flags().GetInt64Slice("prompt")

	res := DecodeResult{Variant: args[0], Prompt: prompt}
	if len(res.Prompt) == 0 {
		res.Language, res.Prompt, err = buildPrompt(ctx, t, mel, language)
		if err != nil {
			return err
		}
	}

	s, err := t.NewSession(ctx, mel, 1, maxLength)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	eot := tokenEndOfText
	if !t.Dimensions().IsMultilingual() {
		eot -= englishTokenOffset
	}
	res.Tokens, res.Finished, err = greedyDecode(ctx, s, res.Prompt, eot)
	if err != nil {
		var serr *speech2seq.SessionError
		if errors.As(err, &serr) {
			logger.Warn("Decoding aborted",
				zap.String("session_id", serr.SessionID),
				zap.Int("offset", serr.Offset))
		}
		return err
	}
	logger.Debug("Decoded",
		zap.Int("tokens", len(res.Tokens)),
		zap.Bool("finished", res.Finished))
	return writeJSON(cmd.OutOrStdout(), res)
}

// buildPrompt returns the start-of-transcript prompt, detecting the
// language first when asked to.
func buildPrompt(ctx context.Context, t target, mel speech2seq.Mel, language string) (string, []int64, error) {
	sot := speech2seq.StartOfTranscript
	if !t.Dimensions().IsMultilingual() {
		// English-only vocabularies are one token shorter before the
		// special tokens.
		return "en", []int64{sot - englishTokenOffset, tokenNoTimestamps - englishTokenOffset}, nil
	}

	if language == "" || language == "auto" {
		dists, err := t.DetectLanguage(ctx, mel)
		if err != nil {
			return "", nil, fmt.Errorf("detecting language: %w", err)
		}
		language = dists[0].Language
	}
	idx := slices.Index(speech2seq.LanguageCodes(), language)
	if idx < 0 {
		return "", nil, fmt.Errorf("unknown language %q", language)
	}
	lang := speech2seq.DefaultLanguageTokens().First + int64(idx)
	return language, []int64{sot, lang, tokenTranscribe, tokenNoTimestamps}, nil
}

// greedyDecode feeds prompt in one step and then one token per step,
// always taking the highest scoring token, until eot or the session is full.
func greedyDecode(ctx context.Context, s *speech2seq.Session, prompt []int64, eot int64) ([]int64, bool, error) {
	if len(prompt) == 0 {
		return nil, false, errors.New("empty prompt")
	}
	logits, err := s.Step(ctx, [][]int64{prompt})
	if err != nil {
		return nil, false, err
	}

	var out []int64
	for {
		next := logits.Argmax(0, logits.Steps-1)
		if next == eot {
			return out, true, nil
		}
		out = append(out, next)
		if s.Remaining() == 0 {
			return out, false, nil
		}
		logits, err = s.Step(ctx, [][]int64{{next}})
		if err != nil {
			return out, false, err
		}
	}
}
