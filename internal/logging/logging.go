// Package logging builds the zap logger shared by every server component.
package logging

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level and destination of the logs.
type Options struct {
	// Minimum level written. Options: debug, info, warn, error
	Level string
	// Rotated log file. Blank writes to stderr.
	File string
}

// New returns a logger intended to be used for general application logs.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parsing log level")
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	var sink zapcore.WriteSyncer
	if opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		})
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		sink = zapcore.Lock(os.Stderr)
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
