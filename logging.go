package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Every training run gets its own UUID-named logfile under the log
// directory, mirroring how runs are archived for later comparison. The
// console gets the human-readable stream, the file gets JSON.

// NewRunLogger creates a logger writing to stderr and to logDir/<runID>.log.
// The returned cleanup flushes and closes the file.
func NewRunLogger(logDir string, verbose bool) (*zap.Logger, string, func(), error) {
	runID := uuid.NewString()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	logPath := filepath.Join(logDir, runID+".log")
	f, err := os.Create(logPath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("logging: create logfile: %w", err)
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	fileCfg := zap.NewProductionEncoderConfig()

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), level),
	)

	logger := zap.New(core).With(zap.String("run_id", runID))
	cleanup := func() {
		logger.Sync()
		f.Close()
	}
	return logger, runID, cleanup, nil
}
