// Package config implements the layered configuration scheme ambient to
// every todomcp subcommand: defaults, then a TOML config file, then
// TODOMCP_* environment variables, then CLI flags. Generalised from
// package-private per-command helpers into a package every subcommand
// shares.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Bind wires cmd's flags into v with the standard search order and
// TODOMCP_ env var prefix. Precedence (lowest to highest): defaults,
// config file, TODOMCP_* env vars, flags.
func Bind(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("todomcp")
		v.SetConfigType("toml")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("TODOMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("config: binding flags: %w", err)
	}
	return nil
}

// SearchPaths returns the ordered list of directories searched for
// todomcp.toml, in search order: viper uses the first directory that holds
// the file.
func SearchPaths() []string {
	var paths []string

	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, fmt.Sprintf(`%s\todomcp`, pd))
		}
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			paths = append(paths, fmt.Sprintf(`%s\todomcp`, appdata))
		}
		return paths
	}

	paths = append(paths, "/etc/todomcp")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, fmt.Sprintf("%s/.config/todomcp", home))
	}
	return paths
}

// AddFlag adds the --config flag to cmd.
func AddFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// DefaultDataDir returns the default state directory: $HOME/.local/share/todomcp
// on Unix, %APPDATA%\todomcp on Windows.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return fmt.Sprintf(`%s\todomcp`, appdata)
		}
		return "todomcp-data"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return fmt.Sprintf("%s/.local/share/todomcp", home)
	}
	return ".todomcp"
}
