package internal

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide logger. It writes structured lines
// to a timestamped file under logsDir and mirrors warnings and above to
// stderr so interactive sessions still see problems without the file.
func NewLogger(logsDir string, debug bool) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, err
	}
	name := time.Now().Format("20060102-150405") + ".log"
	file, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), zapcore.WarnLevel),
	)
	logger := zap.New(core)
	cleanup := func() {
		_ = logger.Sync()
		_ = file.Close()
	}
	return logger, cleanup, nil
}
