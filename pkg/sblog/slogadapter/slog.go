// Package slogadapter routes sblog output to log/slog.
package slogadapter

import (
	"io"
	"log/slog"
)

type Adapter struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// NewText builds an Adapter writing slog text records to w. Debug records are
// only written when debug is set.
func NewText(w io.Writer, debug bool) *Adapter {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return New(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// With returns an Adapter that adds keysAndValues to every record.
func (a *Adapter) With(keysAndValues ...any) *Adapter {
	return &Adapter{logger: a.logger.With(keysAndValues...)}
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.logger.Info(msg, keysAndValues...)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.logger.Error(msg, keysAndValues...)
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	a.logger.Warn(msg, keysAndValues...)
}
