package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	defaultAppName = "kanflow"
	configFileName = "config.toml"
	reportFileName = "flow-metrics.csv"
)

// Paths lists the per-user locations of config, database and report files.
type Paths struct {
	ConfigPath string
	DataDir    string
	DBPath     string
	ReportPath string
}

// Options selects the application directory name.
type Options struct {
	AppName string
	DevMode bool
}

// baseOverride names the env vars that relocate the config and data bases on one OS.
type baseOverride struct {
	config string
	data   string
}

var baseOverrides = map[string]baseOverride{
	"linux":   {config: "XDG_CONFIG_HOME", data: "XDG_DATA_HOME"},
	"windows": {config: "APPDATA", data: "LOCALAPPDATA"},
}

// DefaultPaths resolves paths for the default app name.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{})
}

// DefaultPathsWithOptions resolves paths for the running OS and user.
// Dev mode appends "-dev" so experiments never touch real exports.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = defaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	switch runtime.GOOS {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			dataDir = v
		}
	}

	environ := map[string]string{}
	if o, ok := baseOverrides[runtime.GOOS]; ok {
		environ[o.config] = os.Getenv(o.config)
		environ[o.data] = os.Getenv(o.data)
	}
	return PathsFor(runtime.GOOS, environ, configDir, dataDir, appName)
}

// PathsFor resolves paths for one platform from explicit inputs.
func PathsFor(goos string, environ map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, errors.New("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	if o, ok := baseOverrides[goos]; ok {
		if v := strings.TrimSpace(environ[o.config]); v != "" {
			configBase = v
		}
		if v := strings.TrimSpace(environ[o.data]); v != "" {
			dataBase = v
		}
	}

	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath: filepath.Join(configBase, appName, configFileName),
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, appName+".db"),
		ReportPath: filepath.Join(dataDir, reportFileName),
	}, nil
}
