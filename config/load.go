package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultLocation is the configuration file read when none is given.
var DefaultLocation = "./dss.toml"

// ReadFile decodes a TOML (.toml) or YAML (.yaml, .yml) configuration file
// into raw property values.
//
// Scalar entries map to properties by name. Tables map to indexed
// properties, each key of the table becoming an index:
//
//	timestamp-max-offset = 60000
//
//	[trust-anchor]
//	root-ca = "certs/root.pem"
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file is missing: %w", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	return flatten(doc)
}

// Load reads a configuration file and publishes it to the store.
func Load(path string, store *Store) error {
	values, err := ReadFile(path)
	if err != nil {
		return err
	}
	if err := store.Publish(values); err != nil {
		return fmt.Errorf("config is not valid: %w", err)
	}
	return nil
}

func flatten(doc map[string]any) (map[string]string, error) {
	values := make(map[string]string)
	for name, v := range doc {
		table, ok := v.(map[string]any)
		if !ok {
			values[name] = fmt.Sprint(v)
			continue
		}
		p, _, known := Lookup(name)
		if !known || !p.Indexed || p.Name != name {
			return nil, fmt.Errorf("property %q does not take indexed values", name)
		}
		for index, iv := range table {
			if _, nested := iv.(map[string]any); nested {
				return nil, fmt.Errorf("property %s-%s: nested tables are not supported", name, index)
			}
			values[p.Key(index)] = fmt.Sprint(iv)
		}
	}
	return values, nil
}
