// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

type Config struct {
	Level       string `toml:"level"`    // debug, info, warn, error
	Encoding    string `toml:"encoding"` // json or console
	Development bool   `toml:"development"`
}

func New(conf Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if conf.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if conf.Encoding != "" {
		zc.Encoding = conf.Encoding
	}
	if conf.Level != "" {
		lvl, err := zap.ParseAtomicLevel(conf.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		zc.Level = lvl
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}
