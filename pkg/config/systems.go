package config

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// System is one physical mount a set of drives lives on. Several systems can
// be configured so drives can be migrated between filesystems without
// re-registering them.
type System struct {
	Name      string `mapstructure:"name" validate:"required"`
	MountPath string `mapstructure:"mountPath" validate:"required,startswith=/"`
}

// SystemsConfig is the structured half of strandd's configuration, loaded
// from a YAML file next to the dotenv keys.
type SystemsConfig struct {
	DefaultSystem string   `mapstructure:"defaultSystem" validate:"required"`
	Systems       []System `mapstructure:"systems" validate:"required,min=1,dive"`
}

// LoadSystemsConfig reads and validates the systems file. The default system
// must be one of the configured systems.
func LoadSystemsConfig(path string) (*SystemsConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read systems config %q: %w", path, err)
	}

	var cfg SystemsConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to parse systems config %q: %w", path, err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid systems config %q: %w", path, err)
	}

	if cfg.SystemByName(cfg.DefaultSystem) == nil {
		return nil, fmt.Errorf("defaultSystem %q is not a configured system", cfg.DefaultSystem)
	}

	return &cfg, nil
}

func (c *SystemsConfig) SystemByName(name string) *System {
	for i := range c.Systems {
		if c.Systems[i].Name == name {
			return &c.Systems[i]
		}
	}

	return nil
}

func (c *SystemsConfig) Default() System {
	return *c.SystemByName(c.DefaultSystem)
}

// SystemsByMountDepth returns the systems sorted by mount path length,
// longest first, so a prefix match never picks a mount shadowed by a more
// specific one.
func (c *SystemsConfig) SystemsByMountDepth() []System {
	sorted := make([]System, len(c.Systems))
	copy(sorted, c.Systems)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].MountPath) > len(sorted[j].MountPath)
	})

	return sorted
}
