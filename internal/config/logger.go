package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger *zap.Logger
)

// LogOptions controls where and how verbosely the logger writes
type LogOptions struct {
	Level string
	File  string
}

// InitLogger initializes the global logger
func InitLogger(opts LogOptions) error {
	config := zap.NewProductionConfig()

	// Customize the logging format
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "" // Disable stacktrace by default

	// LOG_LEVEL wins over the configured level
	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level.SetLevel(lvl)
		}
	}

	// Create the logger
	var err error
	Logger, err = config.Build(
		zap.AddCaller(),
	)
	if err != nil {
		return err
	}

	if opts.File != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(config.EncoderConfig),
			zapcore.AddSync(newRotatingWriter(opts.File)),
			config.Level,
		)
		Logger = Logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	// Replace the global logger
	zap.ReplaceGlobals(Logger)

	return nil
}

func newRotatingWriter(filename string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    500, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		LocalTime:  true,
	}
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if Logger == nil {
		// If logger is not initialized, create a default logger
		Logger = zap.NewExample()
		zap.ReplaceGlobals(Logger)
	}
	return Logger
}

// Sync flushes any buffered log entries
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
