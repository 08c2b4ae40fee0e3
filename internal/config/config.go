package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load fills config, a pointer to a struct, in three layers: the values it
// already holds (server.DefaultConfig), the YAML file when file is not empty,
// then the environment. Nested keys map to upper-cased env names joined by
// underscores, so Redis.Store.Addrs is REDIS_STORE_ADDRS and a comma list.
func Load(file string, config any) error {
	defaults := make(map[string]any)
	if err := mapstructure.Decode(config, &defaults); err != nil {
		return fmt.Errorf("config: read defaults: %w", err)
	}

	v := viper.New()
	if err := v.MergeConfigMap(defaults); err != nil {
		return fmt.Errorf("config: merge defaults: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}

	return nil
}
