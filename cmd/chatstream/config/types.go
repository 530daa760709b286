// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the chatstream CLI configuration.
//
// Sources, lowest precedence first:
//  1. Built-in defaults (DefaultConfig)
//  2. ~/.chatstream/config.yaml, created with defaults on first run
//  3. A .env file in the working directory
//  4. Process environment (CHATSTREAM_API_URL, CHATSTREAM_TOKEN, ...)
//  5. Command-line flags, applied by the caller
package config

import (
	"time"
)

// Config is the root of config.yaml.
type Config struct {
	API    APIConfig    `yaml:"api"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

// APIConfig locates the chat backend.
type APIConfig struct {
	// BaseURL is the backend origin, e.g. http://localhost:8000.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Timeout bounds each request, including reading a stream.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Token is the bearer token. Prefer CHATSTREAM_TOKEN over storing it here.
	Token string `yaml:"token,omitempty"`
}

// StreamConfig tunes the frame decoder.
type StreamConfig struct {
	ChunkSize     int `yaml:"chunk_size" validate:"gte=1,lte=1048576"`
	MaxFrameBytes int `yaml:"max_frame_bytes" validate:"gte=1024"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 5 * time.Minute,
		},
		Stream: StreamConfig{
			ChunkSize:     4096,
			MaxFrameBytes: 1 << 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
