package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/gcstreams/errors"
)

const (
	// maxConfigSize caps the bytes read from one config file
	maxConfigSize = 1 << 20
	maxPathLen    = 4096
)

// configType maps a config file's extension to the viper config type
func configType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: only .json, .yaml and .yml config files are allowed: %s", errors.ErrInvalidConfig, path),
			"Loader", "Load", "detect config type")
	}
}

// safeReadFile reads a config file after basic size and type checks
func safeReadFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Loader", "Load", "read config")
	}
	if len(path) > maxPathLen {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: path too long: %d > %d", errors.ErrInvalidConfig, len(path), maxPathLen),
			"Loader", "Load", "read config")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "stat config file")
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: not a regular file: %s", errors.ErrInvalidConfig, path),
			"Loader", "Load", "read config")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: config file too large: %d bytes > %d", errors.ErrInvalidConfig, info.Size(), maxConfigSize),
			"Loader", "Load", "read config")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "read config file")
	}
	return data, nil
}
