// Package logger configures the process-wide zap logger: JSON to stdout,
// optionally teed to a rotated file, with a level that can be changed at
// runtime over HTTP.
package logger

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// Initialize builds the logger for svc and installs it as the zap global.
// When logPath is set, records are also written to logPath/svc.log.
func Initialize(svc, hostname, logPath, level string) *zap.Logger {
	return initialize(os.Stdout, svc, hostname, logPath, level)
}

func initialize(out io.Writer, svc, hostname, logPath, level string) *zap.Logger {
	atomicLevel.SetLevel(parseLevel(level))

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(ProdEncoderConf()),
		zapcore.AddSync(out),
		atomicLevel,
	)

	if logPath != "" {
		ljCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(ProdEncoderConf()),
			lumberjackSink{&lumberjack.Logger{
				Filename:   filepath.Join(logPath, svc+".log"),
				MaxSize:    16, // megabytes
				MaxBackups: 2,
				MaxAge:     7, // days
			}},
			atomicLevel)
		core = zapcore.NewTee(core, ljCore)
	}

	logger = zap.New(core, zap.AddCaller(), zap.Fields(
		zap.String("app", svc),
		zap.String("host", hostname),
	))
	zap.ReplaceGlobals(logger)
	return logger
}

// Flush writes any buffered records.
func Flush() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// SetLevel changes the level; unknown names select info.
func SetLevel(l string) {
	atomicLevel.SetLevel(parseLevel(l))
}

// GetLevel returns the current level name.
func GetLevel() string {
	return atomicLevel.Level().String()
}

func parseLevel(l string) zapcore.Level {
	switch l {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// ProdEncoderConf is the production encoder with RFC 3339 timestamps.
func ProdEncoderConf() zapcore.EncoderConfig {
	encConf := zap.NewProductionEncoderConfig()
	encConf.EncodeTime = zapcore.RFC3339TimeEncoder
	return encConf
}

// Verbosity reports the current level as JSON.
func Verbosity(w http.ResponseWriter, r *http.Request) {
	level := GetLevel()
	zap.L().Debug("current logging level", zap.String("level", level))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "{\"verbosity\": \"%s\"}", level)
}

// SetVerbosity changes the level from the v query parameter.
func SetVerbosity(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("v")
	if level == "" {
		http.Error(w, "'v' parameter is not set", http.StatusBadRequest)
		return
	}

	SetLevel(level)
	zap.L().Info("updating logging level", zap.String("level", GetLevel()))

	w.WriteHeader(http.StatusNoContent)
}
