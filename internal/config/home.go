package config

import (
	"os"
	"path/filepath"
)

// DirName is the per-project directory holding config, state, logs and history.
const DirName = ".ralph"

// HomeDir returns the ralph directory for a project.
func HomeDir(dir string) string {
	return filepath.Join(dir, DirName)
}

// FindConfigFile returns the first existing config file in the project's
// ralph directory, preferring YAML over TOML, or "" if there is none.
func FindConfigFile(dir string) string {
	home := HomeDir(dir)
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		path := filepath.Join(home, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Rebase makes the relative paths of cfg relative to dir and returns the
// result. Absolute paths are left unchanged.
func Rebase(cfg Config, dir string) Config {
	if dir == "" {
		return cfg
	}
	rebase := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.LogDir = rebase(cfg.LogDir)
	cfg.StateFile = rebase(cfg.StateFile)
	cfg.ArtifactsDir = rebase(cfg.ArtifactsDir)
	cfg.History.DBPath = rebase(cfg.History.DBPath)
	return cfg
}
