package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/dartctl/pkg/task"
)

// LoadTemplate reads a configuration template from a YAML or JSON file.
// Files with other extensions are parsed as JSON.
func LoadTemplate(path string) (task.Params, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var p task.Params
		if err := yaml.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", path, err)
		}
		if p == nil {
			p = task.Params{}
		}
		return p, nil
	default:
		p, err := task.ParseParams(string(b))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", path, err)
		}
		return p, nil
	}
}

// ApplyOverrides sets key=value pairs on p. Values that parse as JSON keep
// their JSON type; anything else is stored as a string.
func ApplyOverrides(p task.Params, pairs []string) error {
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid override %q: expected key=value", pair)
		}

		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		p[key] = v
	}
	return nil
}
