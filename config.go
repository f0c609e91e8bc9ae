package wipi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ControllerConfig describes one controller instance to build at bootstrap.
type ControllerConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Name    string         `json:"name" yaml:"name" validate:"required"`
	Class   string         `json:"class" yaml:"class" validate:"required"`
	Params  map[string]any `json:"params" yaml:"params"`
}

// Config is the control plane configuration document.
type Config struct {
	Controllers []ControllerConfig `json:"controllers" yaml:"controllers" validate:"omitempty,dive"`
}

// LoadConfig reads a configuration file. The format is JSON, or YAML for
// .yaml/.yml files.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Constructor builds a controller instance from its configured parameters.
type Constructor func(name string, params map[string]any) (Controller, error)

// BuildRegistry instantiates the enabled controllers through the given
// constructor map. Class names may be dotted paths; lookup is by the last
// component ("wipi.controller.RelayBoard" and "RelayBoard" are equivalent).
// Disabled entries are skipped; an unknown class is an error.
func (c *Config) BuildRegistry(constructors map[string]Constructor) (*Registry, error) {
	registry := NewRegistry()

	for _, cc := range c.Controllers {
		if !cc.Enabled {
			continue
		}

		class := cc.Class
		if i := strings.LastIndex(class, "."); i >= 0 {
			class = class[i+1:]
		}
		construct, ok := constructors[class]
		if !ok {
			return nil, fmt.Errorf("controller %q: unknown class %q", cc.Name, cc.Class)
		}

		ctrl, err := construct(cc.Name, cc.Params)
		if err != nil {
			return nil, fmt.Errorf("controller %q: %w", cc.Name, err)
		}
		if err := registry.Add(ctrl); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
