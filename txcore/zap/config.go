package zap

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the encoder profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// ErrInvalidConfig is returned by New for unusable configuration.
var ErrInvalidConfig = errors.New("invalid zap config")

// Config holds logger construction inputs. Level falls back to debug for
// development/local and info elsewhere. When OTelLibraryName is set, entries
// are also forwarded to the global OpenTelemetry log provider.
type Config struct {
	Environment     Environment `env:"ENV_NAME"`
	Level           string      `env:"LOG_LEVEL"`
	OTelLibraryName string      `env:"OTEL_LIBRARY_NAME"`
}

func (c Config) validate() error {
	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, c.Environment)
	}
}

func (c Config) isDevelopment() bool {
	return c.Environment == EnvironmentDevelopment || c.Environment == EnvironmentLocal
}

// New builds a Logger for cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Environment == "" {
		cfg.Environment = EnvironmentProduction
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.isDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Encoding = "json"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg.Level = level
	zcfg.DisableStacktrace = true

	opts := []zap.Option{zap.AddCallerSkip(1)}

	if name := strings.TrimSpace(cfg.OTelLibraryName); name != "" {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(name))
		}))
	}

	built, err := zcfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, nil
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		if cfg.isDevelopment() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(strings.TrimSpace(cfg.Level)); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("%w: level %q: %w", ErrInvalidConfig, cfg.Level, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}
