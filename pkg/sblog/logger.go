// Package sblog defines the key/value logger every component logs through.
package sblog

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Info(string, ...any)  {}
func (Nop) Error(string, ...any) {}
func (Nop) Debug(string, ...any) {}
func (Nop) Warn(string, ...any)  {}

// OrNop returns l, or a Nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
