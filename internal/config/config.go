// Package config layers sleuth's runtime settings: command-line flags
// take precedence over SLEUTH_* environment variables, which take
// precedence over an optional YAML config file, following the same
// viper/AutomaticEnv wiring the cucaracha CLI uses.
package config

import (
	"os"

	"github.com/spf13/viper"
	env "github.com/xyproto/env/v2"
)

// Config holds every setting a sleuth invocation needs, already
// resolved across flags, environment, and config file.
type Config struct {
	Verbose    bool
	ImagePath  string
	Resolvers  []string
	OutputJSON bool
}

// Load reads the environment and config-file layers: environment
// (SLEUTH_VERBOSE, SLEUTH_IMAGE, SLEUTH_JSON) overrides the config file,
// and the config file (cfgFile, or sleuth.yaml searched in the current
// directory and $HOME) is the base. Load takes no flag values; the
// caller applies command-line flags to the returned Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SLEUTH")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("sleuth")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		Verbose:    v.GetBool("verbose") || env.Bool("SLEUTH_VERBOSE"),
		ImagePath:  firstNonEmpty(v.GetString("image"), env.Str("SLEUTH_IMAGE", "")),
		OutputJSON: v.GetBool("json") || env.Bool("SLEUTH_JSON"),
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
