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
	"go.uber.org/zap"

	"github.com/antflydb/whisperkv/lib/backends"
)

// Option configures model loading.
type Option func(*modelOptions)

type modelOptions struct {
	logger         *zap.Logger
	sessionOptions []backends.SessionOption
	languageTokens *LanguageTokens
	configDir      string
}

func applyOptions(opts []Option) *modelOptions {
	o := &modelOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithLogger sets the logger used by the model and its sessions.
func WithLogger(logger *zap.Logger) Option {
	return func(o *modelOptions) {
		o.logger = logger
	}
}

// WithSessionOptions passes options to the backend when the encoder and
// decoder graphs are compiled.
func WithSessionOptions(opts ...backends.SessionOption) Option {
	return func(o *modelOptions) {
		o.sessionOptions = append(o.sessionOptions, opts...)
	}
}

// WithLanguageTokens overrides the language tag layout used by language
// detection. The default is DefaultLanguageTokens.
func WithLanguageTokens(lt LanguageTokens) Option {
	return func(o *modelOptions) {
		o.languageTokens = &lt
	}
}

// WithConfigDir cross-checks the variant against the config.json in dir
// before any graph is compiled.
func WithConfigDir(dir string) Option {
	return func(o *modelOptions) {
		o.configDir = dir
	}
}
