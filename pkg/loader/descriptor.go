package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Descriptor declares an engine class alias in YAML:
//
//	engines:
//	  - name: upper
//	    class: textcase
//	  - name: custom
//	    plugin: /opt/dpe/custom.so
type Descriptor struct {
	Name   string `yaml:"name"`
	Class  string `yaml:"class,omitempty"`
	Plugin string `yaml:"plugin,omitempty"`
}

type descriptorFile struct {
	Engines []Descriptor `yaml:"engines"`
}

// LoadDescriptors reads a descriptor file and registers its aliases.
func (r *Registry) LoadDescriptors(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read engine descriptors %s: %w", path, err)
	}
	return r.ParseDescriptors(data)
}

// ParseDescriptors registers the aliases declared in data.
func (r *Registry) ParseDescriptors(data []byte) error {
	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse engine descriptors: %w", err)
	}
	for i, d := range file.Engines {
		if d.Name == "" {
			return fmt.Errorf("engine descriptor %d has no name", i)
		}
		switch {
		case d.Class != "" && d.Plugin != "":
			return fmt.Errorf("engine descriptor %s sets both class and plugin", d.Name)
		case d.Class != "":
			r.RegisterAlias(d.Name, d.Class)
		case d.Plugin != "":
			r.RegisterAlias(d.Name, d.Plugin)
		default:
			return fmt.Errorf("engine descriptor %s needs a class or a plugin", d.Name)
		}
	}
	return nil
}

// ApplyAliases registers alias -> target pairs, as found in a node config.
func (r *Registry) ApplyAliases(aliases map[string]string) {
	for alias, target := range aliases {
		r.RegisterAlias(alias, target)
	}
}
