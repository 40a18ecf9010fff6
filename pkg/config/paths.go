package config

import (
	"path/filepath"

	"github.com/spf13/viper"
)

// BaseStateDir returns the directory holding durable engine state
// (connection list, session store, logs).
func BaseStateDir() string {
	// Check if state.directory is explicitly set (config, env or tests)
	if stateDir := viper.GetString("state.directory"); stateDir != "" {
		return stateDir
	}

	currentConfig := viper.ConfigFileUsed()
	currentConfigDir := filepath.Dir(currentConfig)
	return currentConfigDir
}

// BuildStatePath joins target onto the state directory.
func BuildStatePath(target string) string {
	return filepath.Join(BaseStateDir(), target)
}
