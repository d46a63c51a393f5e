package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	qcow2 "github.com/ehrlich-b/go-qcow2-engine"
)

// Config holds the settings shared by all commands. Values come from flags,
// QCOW2CTL_* environment variables and qcow2ctl.yaml, in that order of
// precedence.
type Config struct {
	LogLevel          string `mapstructure:"log_level"`
	LogFormat         string `mapstructure:"log_format"`
	Direct            bool   `mapstructure:"direct"`
	Barrier           string `mapstructure:"barrier"`
	Backing           string `mapstructure:"backing"`
	NoBacking         bool   `mapstructure:"no_backing"`
	ReuseFreeClusters bool   `mapstructure:"reuse_free_clusters"`
	Stats             bool   `mapstructure:"stats"`
}

// flag name -> config key
var configFlags = map[string]string{
	"log-level":           "log_level",
	"log-format":          "log_format",
	"direct":              "direct",
	"barrier":             "barrier",
	"backing":             "backing",
	"no-backing":          "no_backing",
	"reuse-free-clusters": "reuse_free_clusters",
	"stats":               "stats",
}

// LoadConfig reads configuration from configFile (or qcow2ctl.yaml in the
// usual places when empty), the environment and flags.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("qcow2ctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/qcow2ctl")
		v.AddConfigPath("/etc/qcow2ctl")
	}

	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")
	v.SetDefault("barrier", qcow2.BarrierMetadata.String())

	v.SetEnvPrefix("QCOW2CTL")
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range configFlags {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if _, ok := qcow2.ParseWriteBarrierMode(cfg.Barrier); !ok {
		return nil, fmt.Errorf("unknown barrier mode %q", cfg.Barrier)
	}
	return &cfg, nil
}

// BarrierMode returns the configured write barrier mode.
func (c *Config) BarrierMode() qcow2.WriteBarrierMode {
	m, _ := qcow2.ParseWriteBarrierMode(c.Barrier)
	return m
}
