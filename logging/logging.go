package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"

	logfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level  string // debug | info | warn | error
	Format string // console | json | logfmt

	// File, when set, adds a rotated JSON log file next to stdout.
	File          string
	MaxFileSizeMB int
	MaxBackups    int
	MaxAgeDays    int
}

func toLevel(lvl string) (zapcore.Level, error) {
	switch lvl {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("log level %q not supported", lvl)
	}
}

func EncoderConfig() zapcore.EncoderConfig {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderCfg
}

func encoder(format string) (zapcore.Encoder, error) {
	cfg := EncoderConfig()
	switch format {
	case "console":
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	case "json":
		return zapcore.NewJSONEncoder(cfg), nil
	case "logfmt":
		return logfmt.NewEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("log format %q not supported", format)
	}
}

// New builds the process logger writing to stdout and, if configured, a
// rotated file.
func New(opts Options) (*zap.Logger, error) {
	return newLogger(opts, os.Stdout)
}

func newLogger(opts Options, out io.Writer) (*zap.Logger, error) {
	lvl, err := toLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	enc, err := encoder(opts.Format)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(lvl)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), atom),
	}
	if opts.File != "" {
		// lumberjack is Zap endorsed logger rotation library
		fw := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxFileSizeMB, // megabytes
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays, // days
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(EncoderConfig()), fw, atom))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).With(
		zap.String("goversion", runtime.Version()),
		zap.String("os", runtime.GOOS),
	), nil
}
