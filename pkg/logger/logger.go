package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultLogFile = "logs/chunk-fabric.log"

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	// Until Init is called everything goes to stderr, so library users and
	// tests never create log directories as a side effect of importing us.
	SetOutput(os.Stderr, levelFromEnv(""))
}

// Init points the process logger at a log file. An empty path uses
// CHUNKFABRIC_LOG_FILE, then DefaultLogFile. The level falls back to
// CHUNKFABRIC_LOG_LEVEL, then LOG_LEVEL, then info.
func Init(path, level string) error {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CHUNKFABRIC_LOG_FILE"))
	}
	if path == "" {
		path = DefaultLogFile
	}

	if path == "-" {
		SetOutput(os.Stderr, levelFromEnv(level))
		return nil
	}

	// Create logs directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	SetOutput(file, levelFromEnv(level))
	return nil
}

// SetOutput rebuilds the global logger on top of w.
func SetOutput(w io.Writer, level zapcore.Level) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	// Use ConsoleEncoder for human-readable output in file
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(w),
		level,
	)

	// AddCaller ensures the log includes filename and line number
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

func levelFromEnv(explicit string) zapcore.Level {
	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(explicit)
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("CHUNKFABRIC_LOG_LEVEL"))
	}
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}
