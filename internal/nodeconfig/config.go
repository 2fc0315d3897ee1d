// Package nodeconfig loads the ambient process settings that spec.md's
// authoritative CLI grammar (§6) does not itself name: log format/output and
// the metrics listener address. It deliberately does NOT load the
// keys/committee/parameters files — those are the strict, unknown-field-
// rejecting JSON importers in core (core/keys.go, core/committee.go,
// core/params.go), matching §6's importer contract. This package instead
// uses viper layering (file config under SAILFISH_-prefixed environment
// overrides) for settings an operator tunes
// per-deployment without the CLI growing a flag for every one of them.
package nodeconfig

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/sailfish-node/node/pkg/utils"
)

// Config holds ambient process settings for the node binary.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled"`
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"metrics"`
}

// defaults mirrors the zero-config behavior: plain text logs to stderr at
// info level, metrics served on localhost only.
func defaults() Config {
	var c Config
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	c.Logging.File = ""
	c.Metrics.Enabled = true
	c.Metrics.ListenAddr = "127.0.0.1:9184"
	return c
}

// Load reads an optional configFile (if non-empty) and layers
// SAILFISH_-prefixed environment variables over it via
// viper.AutomaticEnv. An empty configFile is not an error: defaults apply
// and only environment overrides take effect.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SAILFISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaults()
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.file", def.Logging.File)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", def.Metrics.ListenAddr)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, utils.Wrap(err, "load node config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, utils.Wrap(err, "unmarshal node config")
	}
	return cfg, nil
}
