package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// LoadFile reads a JSON or YAML file of configuration keys. The result is a
// change set suitable for Store.Update or Store.Reset.
func LoadFile(path string) (map[string]any, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	changes := map[string]any{}
	if ext == ".json" {
		err = json.Unmarshal(data, &changes)
	} else {
		err = yaml.Unmarshal(data, &changes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Reject files that would not survive a full validation pass.
	probe := Default()
	if err := probe.Apply(changes); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return changes, nil
}
