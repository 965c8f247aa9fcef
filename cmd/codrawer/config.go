package main

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

const defaultConfigName = "codrawer.yaml"

// resolveConfigPath determines the configuration file path based on:
// 1. CODRAWER_CONFIG
// 2. Explicit path provided by user
// 3. The default file name, when it exists
//
// An empty result means defaults plus environment overrides.
func resolveConfigPath(path string) string {
	if env := strings.TrimSpace(os.Getenv("CODRAWER_CONFIG")); env != "" {
		return env
	}
	path = strings.TrimSpace(path)
	if path == "" || path == defaultConfigName {
		if _, err := os.Stat(defaultConfigName); errors.Is(err, fs.ErrNotExist) {
			return ""
		}
		return defaultConfigName
	}
	return path
}
