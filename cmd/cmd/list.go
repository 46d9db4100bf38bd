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

	"github.com/antflydb/whisperkv/lib/backends"
	"github.com/antflydb/whisperkv/lib/cli"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed models",
	Long: `List the variant directories found in the models directory.

Examples:
  # List local models
  whisperkv list

  # List models in another directory
  whisperkv list --models-dir /srv/whisper`,
	RunE: runList,
}

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "List supported model variants",
	Long:  `Print the dimensions and key/value cache geometry of every supported variant.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.PrintVariants(cmd.OutOrStdout())
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available inference backends",
	Long:  `Print the inference backends usable on this machine, in the order they are tried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.PrintBackends(cmd.OutOrStdout(), backends.ListAvailable())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(variantsCmd)
	rootCmd.AddCommand(backendsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	opts := cli.ListOptions{
		ModelsDir:  modelsDir,
		BinaryName: "whisperkv",
	}
	return cli.ListLocalModels(cmd.OutOrStdout(), opts)
}
