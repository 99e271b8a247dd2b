package config

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads and strictly parses a YAML config file at path into a
// RootConfig. Unknown keys are rejected (ErrorUnused) so a typo in a
// tenant's policy block fails loudly at startup instead of silently
// falling back to a zero value.
func Load(path string) (*RootConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var root RootConfig
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           &root,
		},
	}
	if err := k.UnmarshalWithConf("", &root, unmarshalConf); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &root, nil
}
