// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvAPIURL   = "CHATSTREAM_API_URL"
	EnvToken    = "CHATSTREAM_TOKEN"
	EnvLogLevel = "CHATSTREAM_LOG_LEVEL"
	EnvTimeout  = "CHATSTREAM_TIMEOUT"
)

var configValidate = validator.New()

// Lookup resolves an environment variable.
type Lookup func(key string) (string, bool)

// DefaultPath returns ~/.chatstream/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream", "config.yaml"), nil
}

// EnvLookup returns a Lookup that checks the process environment first and
// then the given dotenv files, in order. Missing files are skipped.
func EnvLookup(dotenvFiles ...string) (Lookup, error) {
	merged := map[string]string{}
	for _, f := range dotenvFiles {
		values, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := merged[key]
		return v, ok
	}, nil
}

// Load reads the config file at path, creating it with defaults when it
// does not exist, then applies environment overrides and validates.
//
// # Inputs
//
//   - path: Config file location. Usually DefaultPath().
//   - lookup: Environment source. nil means the process environment only.
func Load(path string, lookup Lookup) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CHATSTREAM_* variables that are set.
func ApplyEnv(cfg *Config, lookup Lookup) error {
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		cfg.API.BaseURL = v
	}
	if v, ok := lookup(EnvToken); ok {
		cfg.API.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTimeout, v, err)
		}
		cfg.API.Timeout = d
	}
	return nil
}

// Validate checks field constraints.
func Validate(cfg Config) error {
	if err := configValidate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
