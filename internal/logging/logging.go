// Package logging sets up the process-wide structured logger. Adapted from
// the zap setup used by the transcoder's camera driver: development config
// with console output when debug is requested, production JSON otherwise.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide *zap.Logger: development console output when
// debug is true, production JSON otherwise. Use Component for per-subsystem
// child loggers.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Component returns a child logger scoped to a named subsystem, matching
// the per-component log lines the streaming core and pipeline emit
// (broker, extractor, recognition, scheduler, wsgateway).
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.With(zap.String("component", name))
}
