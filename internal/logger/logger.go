package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

var levelVar = new(slog.LevelVar)

var L = New(os.Stdout)

// New returns a JSON logger writing to w that follows the global level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// WA adapts l to the logger interface whatsmeow expects.
func WA(l *slog.Logger, module string) waLog.Logger {
	return &waLogger{l: l.With("module", module), module: module}
}

type waLogger struct {
	l      *slog.Logger
	module string
}

func (w *waLogger) Errorf(msg string, args ...interface{}) { w.l.Error(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Warnf(msg string, args ...interface{})  { w.l.Warn(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Infof(msg string, args ...interface{})  { w.l.Info(fmt.Sprintf(msg, args...)) }
func (w *waLogger) Debugf(msg string, args ...interface{}) { w.l.Debug(fmt.Sprintf(msg, args...)) }

func (w *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{l: w.l.With("sub", module), module: w.module + "/" + module}
}
