package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDocument reads a YAML document into a fresh T — no viper, no env
// overrides, for a one-shot declarative document rather than a
// process's running configuration. rowschema uses this to load a
// declarative, non-reflection column/index definition.
func LoadDocument[T any](filename string) (*T, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", filename, err)
	}

	var doc T
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document %s: %w", filename, err)
	}
	return &doc, nil
}
