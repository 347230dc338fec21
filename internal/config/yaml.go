package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/manifoldmcp/manifold/internal/model"
)

// BackendsFile is the top-level structure of a backend definitions file used
// by `manifold backend import` and `manifold backend export`.
type BackendsFile struct {
	Backends []BackendYAML `yaml:"backends"`
}

// BackendYAML defines one backend in the YAML file.
type BackendYAML struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label,omitempty"`
	Protocol string `yaml:"protocol"`
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// LoadBackendsFile reads and parses a backend definitions file. Environment
// variables referenced as ${VAR_NAME} are expanded before parsing, so
// credentials can be kept out of the file itself.
func LoadBackendsFile(path string) ([]model.BackendConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	var f BackendsFile
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}

	out := make([]model.BackendConfig, 0, len(f.Backends))
	for i, b := range f.Backends {
		if b.Name == "" {
			return nil, fmt.Errorf("backends[%d]: name is required", i)
		}
		if b.Protocol == "" {
			b.Protocol = "streamable-http"
		}
		out = append(out, model.BackendConfig{
			Name:     b.Name,
			Label:    b.Label,
			Protocol: b.Protocol,
			URL:      b.URL,
			IsActive: !b.Disabled,
		})
	}
	return out, nil
}

// WriteBackendsFile marshals backend definitions to a YAML file.
func WriteBackendsFile(path string, backends []model.BackendConfig) error {
	f := BackendsFile{Backends: make([]BackendYAML, 0, len(backends))}
	for _, b := range backends {
		f.Backends = append(f.Backends, BackendYAML{
			Name:     b.Name,
			Label:    b.Label,
			Protocol: b.Protocol,
			URL:      b.URL,
			Disabled: !b.IsActive,
		})
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
