// Package logging builds the zap logger shared by every binary: JSON or
// console encoding, optional rotated file output, a hot-swappable level and a
// Prometheus counter of entries per level.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes the rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config controls logger construction.
type Config struct {
	Service  string
	Level    string // debug|info|warn|error
	Encoding string // json|console
	Stdout   bool
	File     FileConfig
	// Development switches to zap's development encoder (colour levels,
	// human timestamps).
	Development bool
}

// Validate checks the fields New relies on.
func (c Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("logging: service must not be empty")
	}
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: level must be debug/info/warn/error, got %q", c.Level)
	}
	switch strings.ToLower(c.Encoding) {
	case "json", "console":
	default:
		return fmt.Errorf("logging: encoding must be json/console, got %q", c.Encoding)
	}
	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("logging: file path required when stdout is disabled")
	}
	return nil
}

// New creates a *zap.Logger without replacing the global one.
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLevel(cfg.Level)

	var encCfg zapcore.EncoderConfig
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Encoding) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, buildWriteSyncer(cfg), dynamicLevel)
	core = metricsCore{Core: core, service: cfg.Service}

	allOpts := append(opts,
		zap.AddCaller(),
		zap.Fields(zap.String("service", cfg.Service)),
	)
	return zap.New(core, allOpts...), nil
}

// MustInitGlobal creates a logger, installs it as zap's global and starts the
// SIGHUP level toggle.
func MustInitGlobal(cfg Config) *zap.Logger {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	setupSignalHandler()
	return l
}

func buildWriteSyncer(cfg Config) zapcore.WriteSyncer {
	var syncers []zapcore.WriteSyncer
	if cfg.Stdout {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if p := cfg.File.Path; p != "" {
		lj := &lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}
		syncers = append(syncers, zapcore.AddSync(lj))
	}
	return zapcore.NewMultiWriteSyncer(syncers...)
}
