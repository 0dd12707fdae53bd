// Copyright 2025 The Lingti Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// DefaultFileName is the file looked up next to the executable when no path is given.
const DefaultFileName = "config.json"

// LoadError reports that a configuration file could not be located, read or decoded into a JSON document.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return "failed to load config: " + e.Err.Error()
	}
	return fmt.Sprintf("failed to load config '%s': %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// DefaultPath returns the path of [DefaultFileName] in the directory of the running executable.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), DefaultFileName), nil
}

// LoadFromFile reads the configuration at path, or at [DefaultPath] when path is empty.
//
// Three encodings are accepted:
//   - JSON, the native format;
//   - YAML, when the file name ends in ".yaml" or ".yml";
//   - sealed files, as produced by [Seal], whose key is read from the [KeyEnv] environment variable.
//
// Problems reading or unwrapping the file are reported as [*LoadError]. Problems with the decoded document are
// reported as [*ParseError].
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, &LoadError{Err: err}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	doc, err := decodeFile(path, data)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return parseBytes(doc)
}

// decodeFile converts the raw file content into a JSON document.
func decodeFile(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		return doc, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return data, nil
	}
	key, err := KeyFromEnv()
	if err != nil {
		return nil, fmt.Errorf("file is not JSON and cannot be unsealed: %w", err)
	}
	return Unseal(string(trimmed), key)
}
