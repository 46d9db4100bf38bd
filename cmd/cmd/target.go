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
	"slices"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/whisperkv"
	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/backends/backendtest"
	"github.com/antflydb/whisperkv/lib/speech2seq"
)

// target is what detect and decode run against: an engine over the models
// directory, or a single in-memory model for dry runs.
type target interface {
	Dimensions() architecture.Dimensions
	NewSession(ctx context.Context, mel speech2seq.Mel, groups, maxLength int) (*speech2seq.Session, error)
	DetectLanguage(ctx context.Context, mel speech2seq.Mel) ([]speech2seq.LanguageDistribution, error)
	Close() error
}

func openTarget(variant string, logger *zap.Logger) (target, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return nil, err
	}

	priority := backendPriority()
	if slices.Contains(priority, string(backendtest.BackendFake)) {
		engine := backendtest.ForVariant(v)
		m, err := speech2seq.NewModel(string(v), engine.Encoder(), engine.Decoder(), backendtest.BackendFake,
			speech2seq.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &modelTarget{model: m}, nil
	}

	cfg := whisperkv.DefaultConfig()
	cfg.ModelsDir = modelsDir
	cfg.BackendPriority = priority
	cfg.NumThreads = viper.GetInt("num_threads")
	e, err := whisperkv.NewEngine(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	return &engineTarget{engine: e, variant: v}, nil
}

type modelTarget struct {
	model *speech2seq.Model
}

func (t *modelTarget) Dimensions() architecture.Dimensions { return t.model.Dimensions() }

func (t *modelTarget) NewSession(ctx context.Context, mel speech2seq.Mel, groups, maxLength int) (*speech2seq.Session, error) {
	return t.model.NewSession(ctx, mel, groups, maxLength)
}

func (t *modelTarget) DetectLanguage(ctx context.Context, mel speech2seq.Mel) ([]speech2seq.LanguageDistribution, error) {
	features, err := t.model.Encode(ctx, mel)
	if err != nil {
		return nil, err
	}
	return t.model.DetectLanguage(ctx, features)
}

func (t *modelTarget) Close() error { return t.model.Close() }

type engineTarget struct {
	engine  *whisperkv.Engine
	variant architecture.Variant
}

func (t *engineTarget) Dimensions() architecture.Dimensions { return t.variant.Dimensions() }

func (t *engineTarget) NewSession(ctx context.Context, mel speech2seq.Mel, groups, maxLength int) (*speech2seq.Session, error) {
	return t.engine.NewSession(ctx, string(t.variant), mel, groups, maxLength)
}

func (t *engineTarget) DetectLanguage(ctx context.Context, mel speech2seq.Mel) ([]speech2seq.LanguageDistribution, error) {
	return t.engine.DetectLanguage(ctx, string(t.variant), mel)
}

func (t *engineTarget) Close() error { return t.engine.Close() }
