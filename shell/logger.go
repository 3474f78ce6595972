package shell

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level, JSON-encoded for
// production and console-encoded for local development networks.
// There is exactly one *zap.Logger per replica process; it is threaded
// through as a field, never reached for as a package global.
func NewLogger(level, network string) (*zap.Logger, error) {
	zapLevel, err := zapLevelFromString(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if network == "devnet" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("shell: build logger: %w", err)
	}
	return logger, nil
}

func zapLevelFromString(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("shell: unknown log_level %q", level)
	}
}

// replicaFields builds the recurring zap.Field group the run-loop attaches
// to its log lines, so call sites read as intent rather than
// repeating the same three fields everywhere.
func replicaFields(replicaID uint64, view, commitNumber uint64) []zap.Field {
	return []zap.Field{
		zap.Uint64("replica_id", replicaID),
		zap.Uint64("view", view),
		zap.Uint64("commit_number", commitNumber),
	}
}
