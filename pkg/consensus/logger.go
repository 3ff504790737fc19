package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// raftLogger routes the raft library's printf logging into slog.
type raftLogger struct {
	l *slog.Logger
}

func (r *raftLogger) log(level slog.Level, msg string) {
	r.l.Log(context.Background(), level, msg, "component", "raft")
}

func (r *raftLogger) Debug(v ...interface{}) { r.log(slog.LevelDebug, fmt.Sprint(v...)) }
func (r *raftLogger) Debugf(format string, v ...interface{}) {
	r.log(slog.LevelDebug, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Info(v ...interface{}) { r.log(slog.LevelInfo, fmt.Sprint(v...)) }
func (r *raftLogger) Infof(format string, v ...interface{}) {
	r.log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Warning(v ...interface{}) { r.log(slog.LevelWarn, fmt.Sprint(v...)) }
func (r *raftLogger) Warningf(format string, v ...interface{}) {
	r.log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Error(v ...interface{}) { r.log(slog.LevelError, fmt.Sprint(v...)) }
func (r *raftLogger) Errorf(format string, v ...interface{}) {
	r.log(slog.LevelError, fmt.Sprintf(format, v...))
}

func (r *raftLogger) Fatal(v ...interface{}) {
	r.log(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

func (r *raftLogger) Fatalf(format string, v ...interface{}) {
	r.log(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (r *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	r.log(slog.LevelError, msg)
	panic(msg)
}

func (r *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	r.log(slog.LevelError, msg)
	panic(msg)
}
