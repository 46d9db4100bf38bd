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

// Command whisperkv drives Whisper encoder/decoder graphs step by step with
// an explicit key/value cache.
//
// Usage:
//
//	whisperkv variants                          # Supported variants and cache geometry
//	whisperkv geometry <variant>                # Cache shape and size for a session
//	whisperkv list                              # Installed models
//	whisperkv detect <variant> --mel <file>     # Spoken language
//	whisperkv decode <variant> --mel <file>     # Greedy token ids
package main

import (
	"github.com/antflydb/whisperkv/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
