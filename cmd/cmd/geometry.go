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
	"github.com/spf13/cobra"

	"github.com/antflydb/whisperkv/lib/architecture"
	"github.com/antflydb/whisperkv/lib/cli"
	"github.com/antflydb/whisperkv/lib/kvcache"
)

var geometryCmd = &cobra.Command{
	Use:   "geometry <variant>",
	Short: "Show the key/value cache a session would allocate",
	Long: `Print the dimensions of a variant and the shape and size of the key/value
cache for the given group count and maximum length.

Examples:
  # Cache for five beams of up to 224 tokens
  whisperkv geometry small --groups 5 --max-length 224`,
	Args: cobra.ExactArgs(1),
	RunE: runGeometry,
}

func init() {
	rootCmd.AddCommand(geometryCmd)

	geometryCmd.Flags().Int("groups", 1, "number of decoding groups (beams)")
	geometryCmd.Flags().Int("max-length", 448, "maximum number of cached positions")
}

// GeometryResult is the JSON output of geometry.
type GeometryResult struct {
	Variant      string                  `json:"variant"`
	Multilingual bool                    `json:"multilingual"`
	Dimensions   architecture.Dimensions `json:"dimensions"`
	CacheShape   []int64                 `json:"cache_shape"`
	CacheBytes   int64                   `json:"cache_bytes"`
	CacheSize    string                  `json:"cache_size"`
}

func runGeometry(cmd *cobra.Command, args []string) error {
	groups, _ := cmd.Flags().GetInt("groups")
	maxLength, _ := cmd.Flags().GetInt("max-length")

	res, err := geometry(args[0], groups, maxLength)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func geometry(variant string, groups, maxLength int) (GeometryResult, error) {
	v, err := architecture.ParseVariant(variant)
	if err != nil {
		return GeometryResult{}, err
	}
	shape, size, err := kvcache.SizeFor(string(v), groups, maxLength)
	if err != nil {
		return GeometryResult{}, err
	}
	dims := v.Dimensions()
	return GeometryResult{
		Variant:      string(v),
		Multilingual: dims.IsMultilingual(),
		Dimensions:   dims,
		CacheShape:   shape,
		CacheBytes:   size,
		CacheSize:    cli.FormatBytes(size),
	}, nil
}
