package logger

import (
	"os"
	"strings"
)

// NewFromEnv creates a logger configured from PERFSUP_* environment variables.
func NewFromEnv() (Logger, error) {
	return NewZapLogger(configFromEnv())
}

// NewWithComponent creates a logger with a component field pre-set.
func NewWithComponent(component string) (Logger, error) {
	logger, err := NewZapLogger(configFromEnv())
	if err != nil {
		return nil, err
	}
	return logger.With(Field{Key: "component", Value: component}), nil
}

func configFromEnv() Config {
	cfg := DefaultConfig()
	if strings.ToLower(os.Getenv("PERFSUP_ENV")) != "production" {
		cfg = DevelopmentConfig()
	}

	if level := os.Getenv("PERFSUP_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("PERFSUP_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	if sampling := os.Getenv("PERFSUP_LOG_SAMPLING"); sampling != "" {
		cfg.EnableSampling = strings.ToLower(sampling) == "true"
	}

	return cfg
}
