package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for user config, logs, and exports.
type Paths struct {
	RootDir    string
	ConfigFile string
	EnvFile    string
	DBFile     string
	LogFile    string
	CacheDir   string
	ExportsDir string
}

func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve cache dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}
	cache := filepath.Join(cacheRoot, Name)
	if err := os.MkdirAll(cache, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app cache dir: %w", err)
	}
	exports := filepath.Join(cache, ExportsDir)
	if err := os.MkdirAll(exports, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create exports dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		EnvFile:    filepath.Join(root, EnvFilename),
		DBFile:     filepath.Join(root, DBFilename),
		LogFile:    filepath.Join(root, LogFilename),
		CacheDir:   cache,
		ExportsDir: exports,
	}, nil
}

// WithConfigFile points the config at an explicit file; the database and log
// still live in the resolved app directory.
func (p Paths) WithConfigFile(path string) Paths {
	if path != "" {
		p.ConfigFile = filepath.Clean(path)
	}

	return p
}
