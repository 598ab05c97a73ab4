package modules

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog maps module names to their definitions.
type Catalog struct {
	Modules []Definition `yaml:"modules"`
}

// DefaultCatalog matches the stock release packages.
func DefaultCatalog() Catalog {
	return Catalog{Modules: []Definition{
		{
			Name:        Frontend,
			QueryPort:   9030,
			HTTPPort:    8030,
			RPCPort:     9020,
			EditLogPort: 9010,
			ConfigFile:  "fe.conf",
			StartScript: "start_fe.sh",
			StopScript:  "stop_fe.sh",
			Defaults: map[string]string{
				"meta_dir":       "${install_root}/frontend/meta",
				"log_dir":        "${install_root}/frontend/log",
				"sys_log_level":  "INFO",
				"max_conn":       "1024",
				"qe_max_threads": "64",
			},
		},
		{
			Name:          Backend,
			HTTPPort:      8040,
			RPCPort:       9060,
			HeartbeatPort: 9050,
			ConfigFile:    "be.conf",
			StartScript:   "start_be.sh",
			StopScript:    "stop_be.sh",
			Defaults: map[string]string{
				"storage_root_path": "${install_root}/backend/storage",
				"log_dir":           "${install_root}/backend/log",
				"sys_log_level":     "INFO",
			},
		},
		{
			Name:          Broker,
			RPCPort:       8000,
			HeartbeatPort: 8001,
			ConfigFile:    "broker.conf",
			StartScript:   "start_broker.sh",
			StopScript:    "stop_broker.sh",
			Defaults: map[string]string{
				"log_dir":       "${install_root}/broker/log",
				"sys_log_level": "INFO",
			},
		},
	}}
}

// LoadCatalog reads a catalog override file. A missing path returns the
// default catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalog{}, fmt.Errorf("module catalog not found: %s", path)
		}
		return Catalog{}, fmt.Errorf("read module catalog: %w", err)
	}
	if len(data) == 0 {
		return Catalog{}, errors.New("module catalog file is empty")
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse module catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks every definition and rejects duplicates.
func (c Catalog) Validate() error {
	if len(c.Modules) == 0 {
		return errors.New("module catalog has no modules")
	}
	seen := map[string]bool{}
	for _, def := range c.Modules {
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate module definition: %s", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

// Lookup returns the definition for a module name.
func (c Catalog) Lookup(name string) (Definition, error) {
	for _, def := range c.Modules {
		if def.Name == name {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("unknown module: %s", name)
}
