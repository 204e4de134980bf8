package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_ResolvesConfigAndCacheDirectories(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	cacheHome := filepath.Join(t.TempDir(), "cache")
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_CACHE_HOME", cacheHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(configHome, Name, ConfigFilename) {
		t.Fatalf("unexpected config file: %q", paths.ConfigFile)
	}
	if paths.ExportsDir != filepath.Join(cacheHome, Name, ExportsDir) {
		t.Fatalf("unexpected exports dir: %q", paths.ExportsDir)
	}
	if _, err := os.Stat(paths.ExportsDir); err != nil {
		t.Fatalf("expected exports directory to exist: %v", err)
	}
}

func TestPathsWithConfigFile(t *testing.T) {
	base := Paths{ConfigFile: "/a/config.yaml", DBFile: "/a/db"}
	if got := base.WithConfigFile(""); got.ConfigFile != "/a/config.yaml" {
		t.Fatalf("expected empty override to keep config file, got %q", got.ConfigFile)
	}
	got := base.WithConfigFile("/etc/pipewatch/../pipewatch/custom.yaml")
	if got.ConfigFile != "/etc/pipewatch/custom.yaml" || got.DBFile != "/a/db" {
		t.Fatalf("unexpected paths %+v", got)
	}
}
