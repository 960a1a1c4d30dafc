package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML decodes the YAML file at path into dest. An empty path is a
// no-op, which keeps optional files like the account seed genuinely
// optional for callers.
func LoadYAML(path string, dest any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}
