// Package config assembles the daemon configuration from flags, environment
// variables and an optional TOML file, merged in that precedence order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/plcforge/edgevault/internal/logger"
	"github.com/plcforge/edgevault/internal/loop"
	"github.com/plcforge/edgevault/internal/server"
	"github.com/plcforge/edgevault/pkg/flash"
	"github.com/plcforge/edgevault/pkg/journal"
	"github.com/plcforge/edgevault/pkg/manifest"
	"github.com/plcforge/edgevault/pkg/runtime"
)

type AppConfig struct {
	Log     logger.Config  `mapstructure:"log"`
	Flash   flash.Config   `mapstructure:"flash"`
	Trust   TrustConfig    `mapstructure:"trust"`
	Journal journal.Config `mapstructure:"journal"`
	Runtime runtime.Config `mapstructure:"runtime"`
	Server  server.Config  `mapstructure:"server"`
	Loop    loop.Config    `mapstructure:"loop"`

	Developer struct {
		DumpConfig bool `mapstructure:"dump-config"`
	} `mapstructure:"developer"`
}

type TrustConfig struct {
	// KeyringFile is the YAML file of provisioned trust anchors.
	KeyringFile string `mapstructure:"keyring-file"`
}

// Load merges all configuration sources and validates the result.
func Load(flags *pflag.FlagSet, envPrefix string) (*AppConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("unable to bind flags: %w", err)
	}
	v.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("cfg-file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine, everything can come from flags and
			// the environment.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("unable to read configuration file: %w", err)
			}
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Flash.ImagePath == "" {
		return fmt.Errorf("flash.image-path must be set")
	}
	if c.Trust.KeyringFile == "" {
		return fmt.Errorf("trust.keyring-file must be set")
	}
	if _, err := manifest.ParseBootPolicy(c.Runtime.BootVerify); err != nil {
		return err
	}
	return c.Loop.Validate()
}
