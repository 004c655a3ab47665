package core

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggerConfig struct {
	LogLevel            hclog.Level `json:"logLevel"`
	JSONLogFormat       bool        `json:"jsonLogFormat"`
	OpenOrCreateNewFile bool        `json:"openOrCreateNewFile"`
	LogsDirectory       string      `json:"logsDirectory"`
	LogFile             string      `json:"logFile"`
	Name                string      `json:"name"`

	// rotation, zero values keep lumberjack defaults
	MaxSizeMB  int `json:"maxSizeMB"`
	MaxBackups int `json:"maxBackups"`
	MaxAgeDays int `json:"maxAgeDays"`
}

func NewLogger(config LoggerConfig) (hclog.Logger, error) {
	var output io.Writer

	if config.LogFile != "" {
		fullFilePath := config.LogFile

		if config.LogsDirectory != "" {
			if dirErr := os.MkdirAll(config.LogsDirectory, os.ModePerm); dirErr == nil {
				fullFilePath = filepath.Join(config.LogsDirectory, fullFilePath)
			}
		}

		if !config.OpenOrCreateNewFile {
			timestamp := strings.Replace(strings.Replace(time.Now().UTC().Format(time.RFC3339), ":", "_", -1), "-", "_", -1)
			fullFilePath = fullFilePath + "_" + timestamp
		}

		output = &lumberjack.Logger{
			Filename:   fullFilePath + ".log",
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       config.Name,
		Level:      config.LogLevel,
		Output:     output,
		JSONFormat: config.JSONLogFormat,
	}), nil
}

func loggerOrNull(logger hclog.Logger) hclog.Logger {
	if logger == nil {
		return hclog.NewNullLogger()
	}

	return logger
}
