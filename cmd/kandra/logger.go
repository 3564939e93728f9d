// Copyright 2025 Kandra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
)

// logSettings resolves the effective logging settings. Priority per
// setting: CLI flag > environment variable > config file > default. cfg
// may be nil before the config file is loaded.
func logSettings(cli *CLI, cfg *config.LoggingConfig) (level, file, format string) {
	level = cli.LogLevel
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" && cfg != nil {
		level = cfg.Level
	}
	if level == "" {
		level = "info"
	}

	file = cli.LogFile
	if file == "" {
		file = os.Getenv(LogFileEnvVar)
	}
	if file == "" && cfg != nil {
		file = cfg.File
	}

	format = cli.LogFormat
	if format == "" {
		format = os.Getenv(LogFormatEnvVar)
	}
	if format == "" && cfg != nil {
		format = cfg.Format
	}
	if format == "" {
		format = "simple"
	}

	return level, file, format
}

// installLogger parses the resolved settings and installs the process-wide
// logger. The returned cleanup closes the log file, if one was opened.
func installLogger(levelStr, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}
