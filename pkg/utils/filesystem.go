// Copyright 2025 Kadir Pekel
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

// Package utils provides filesystem and token-counting helpers shared
// across the fabric's components.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureFabricDir ensures the .fabric directory exists at the given base
// path. If basePath is empty or ".", it creates ./.fabric in the current
// directory. Otherwise, it creates {basePath}/.fabric.
//
// This is used by various facilities that need to store local state in
// .fabric:
// - Task store: ./.fabric/tasks.db
// - Cognitive-memory model preferences: {cognitiveRoot}/.fabric/model_prefs.json
// - Vector stores: {sourcePath}/.fabric/vectors/
//
// Returns the full path to the .fabric directory and any error.
func EnsureFabricDir(basePath string) (string, error) {
	var fabricDir string
	if basePath == "" || basePath == "." {
		fabricDir = ".fabric"
	} else {
		fabricDir = filepath.Join(basePath, ".fabric")
	}

	if err := os.MkdirAll(fabricDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .fabric directory at '%s': %w", fabricDir, err)
	}

	return fabricDir, nil
}
