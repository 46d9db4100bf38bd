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
	"fmt"
	"math"
	"sort"
)

// StartOfTranscript is the <|startoftranscript|> id of the multilingual vocabulary.
const StartOfTranscript int64 = 50258

// languageCodes lists the language tags in vocabulary order. The token for
// languageCodes[i] is StartOfTranscript+1+i.
var languageCodes = []string{
	"en", "zh", "de", "es", "ru", "ko", "fr", "ja", "pt", "tr",
	"pl", "ca", "nl", "ar", "sv", "it", "id", "hi", "fi", "vi",
	"he", "uk", "el", "ms", "cs", "ro", "da", "hu", "ta", "no",
	"th", "ur", "hr", "bg", "lt", "la", "mi", "ml", "cy", "sk",
	"te", "fa", "lv", "bn", "sr", "az", "sl", "kn", "et", "mk",
	"br", "eu", "is", "hy", "ne", "mn", "bs", "kk", "sq", "sw",
	"gl", "mr", "pa", "si", "km", "sn", "yo", "so", "af", "oc",
	"ka", "be", "tg", "sd", "gu", "am", "yi", "lo", "uz", "fo",
	"ht", "ps", "tk", "nn", "mt", "sa", "lb", "my", "bo", "tl",
	"mg", "as", "tt", "haw", "ln", "ha", "ba", "jw", "su",
}

// LanguageCodes returns the language tags known to the multilingual vocabulary.
func LanguageCodes() []string {
	out := make([]string, len(languageCodes))
	copy(out, languageCodes)
	return out
}

// LanguageTokens describes where the language tags live in a vocabulary.
type LanguageTokens struct {
	// StartOfTranscript is fed as the single token of a detection step.
	StartOfTranscript int64
	// First is the id of Codes[0]; Codes[i] has id First+i.
	First int64
	Codes []string
}

// DefaultLanguageTokens returns the layout of the multilingual Whisper vocabulary.
func DefaultLanguageTokens() LanguageTokens {
	return LanguageTokens{
		StartOfTranscript: StartOfTranscript,
		First:             StartOfTranscript + 1,
		Codes:             LanguageCodes(),
	}
}

func (lt LanguageTokens) validate(vocab int) error {
	if len(lt.Codes) == 0 {
		return fmt.Errorf("no language codes")
	}
	last := lt.First + int64(len(lt.Codes)) - 1
	if lt.StartOfTranscript < 0 || lt.StartOfTranscript >= int64(vocab) || lt.First < 0 || last >= int64(vocab) {
		return fmt.Errorf("%w: language tokens [%d, %d] and start token %d do not fit a vocabulary of %d",
			ErrGeometryMismatch, lt.First, last, lt.StartOfTranscript, vocab)
	}
	return nil
}

// LanguageProbability is one entry of a language distribution.
type LanguageProbability struct {
	Code        string  `json:"code"`
	Probability float32 `json:"probability"`
}

// LanguageDistribution is the first-token distribution of one group,
// restricted to language tags and renormalized over them.
type LanguageDistribution struct {
	// Language is the most likely tag and Token its id.
	Language string `json:"language"`
	Token    int64  `json:"token"`
	// Probabilities maps every tag to its probability. They sum to one.
	Probabilities map[string]float32 `json:"probabilities"`
}

// Top returns the n most likely languages, most likely first.
func (d LanguageDistribution) Top(n int) []LanguageProbability {
	out := make([]LanguageProbability, 0, len(d.Probabilities))
	for code, p := range d.Probabilities {
		out = append(out, LanguageProbability{Code: code, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Code < out[j].Code
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// languageDistribution applies a softmax over the language tag scores of row.
func languageDistribution(row []float32, lt LanguageTokens) LanguageDistribution {
	scores := row[lt.First : lt.First+int64(len(lt.Codes))]

	best := 0
	for i := range scores {
		if scores[i] > scores[best] {
			best = i
		}
	}

	maxScore := float64(scores[best])
	exps := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		exps[i] = math.Exp(float64(s) - maxScore)
		sum += exps[i]
	}

	probs := make(map[string]float32, len(scores))
	for i, code := range lt.Codes {
		probs[code] = float32(exps[i] / sum)
	}
	return LanguageDistribution{
		Language:      lt.Codes[best],
		Token:         lt.First + int64(best),
		Probabilities: probs,
	}
}
