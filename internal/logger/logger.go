package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide structured logger. It stays nil until Init is called,
// so library code guards with `if logger.Log != nil`.
var Log *zap.Logger

// Init builds a production (JSON) logger at the given level ("debug", "info",
// "warn", "error"). An empty level means info.
func Init(level string) error {
	cfg := zap.NewProductionConfig()

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// InitNop installs a logger that discards everything. Tests use it to keep
// output quiet while still exercising the logging call sites.
func InitNop() {
	Log = zap.NewNop()
}

func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
