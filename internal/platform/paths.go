// Package platform resolves per-user file locations for the scopes CLI.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAppName names the config and data directories when no override is given.
const DefaultAppName = "scopes"

// Paths holds the resolved per-user locations for config, data, and logs.
type Paths struct {
	ConfigPath string
	DataDir    string
	DBPath     string
	LogDir     string
}

// Options controls app naming for path resolution.
type Options struct {
	AppName string
	DevMode bool
}

// baseOverride names the env vars that replace the config and data base dirs on one OS.
type baseOverride struct {
	configEnv string
	dataEnv   string
}

// overrides lists env-driven base dirs. macOS and other platforms keep the os.User* defaults.
var overrides = map[string]baseOverride{
	"linux":   {configEnv: "XDG_CONFIG_HOME", dataEnv: "XDG_DATA_HOME"},
	"windows": {configEnv: "APPDATA", dataEnv: "LOCALAPPDATA"},
}

// DefaultPaths returns the paths for DefaultAppName outside dev mode.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{AppName: DefaultAppName})
}

// DefaultPathsWithOptions resolves paths for the running platform and environment.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	configDir, dataDir, err := userBaseDirs(runtime.GOOS)
	if err != nil {
		return Paths{}, err
	}
	env := make(map[string]string, 2*len(overrides))
	for _, o := range overrides {
		env[o.configEnv] = os.Getenv(o.configEnv)
		env[o.dataEnv] = os.Getenv(o.dataEnv)
	}
	return PathsFor(runtime.GOOS, env, configDir, dataDir, ResolveAppName(opts))
}

// userBaseDirs returns the platform config dir and the data dir paired with it.
func userBaseDirs(goos string) (string, string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("user config dir: %w", err)
	}
	switch goos {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("user home dir: %w", err)
		}
		return configDir, filepath.Join(home, ".local", "share"), nil
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			return configDir, v, nil
		}
	}
	return configDir, configDir, nil
}

// ResolveAppName applies the default name and the dev-mode suffix.
func ResolveAppName(opts Options) string {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}
	return appName
}

// PathsFor computes paths for goos from explicit env values and base dirs.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, errors.New("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	if o, ok := overrides[goos]; ok {
		if v := env[o.configEnv]; v != "" {
			configBase = v
		}
		if v := env[o.dataEnv]; v != "" {
			dataBase = v
		}
	}

	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath: filepath.Join(configBase, appName, "config.toml"),
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, appName+".db"),
		LogDir:     filepath.Join(dataDir, "log"),
	}, nil
}
