package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadOverridesFromFile reads a YAML list of overrides from the given path,
// replacing the embedded table for deployments that tune their own keywords.
func LoadOverridesFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read overrides fixture")
	}

	var overrides []Override
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal overrides fixture")
	}

	return NewRegistry(overrides), nil
}
