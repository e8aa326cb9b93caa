package keyframe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schedule is the on-disk YAML form of a keyframe schedule.
type Schedule struct {
	Keyframes []KeyFrame `yaml:"keyframes"`
}

// WriteFile writes keyframes to a YAML schedule file
func WriteFile(path string, kfs []KeyFrame) error {
	data, err := yaml.Marshal(&Schedule{Keyframes: kfs})
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ReadFile reads a YAML schedule file and validates it the same way Parse does.
func ReadFile(path string) ([]KeyFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schedule %s: %w", path, err)
	}

	return Normalize(s.Keyframes)
}

// Load reads a schedule from path: YAML for .yaml/.yml files, the line
// format otherwise.
func Load(path string) ([]KeyFrame, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadFile(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data))
}
