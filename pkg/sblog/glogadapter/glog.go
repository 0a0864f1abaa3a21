// Package glogadapter routes sblog output to github.com/golang/glog.
package glogadapter

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// DebugLevel is the glog verbosity Debug messages are written at.
const DebugLevel glog.Level = 2

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	glog.InfoDepth(1, format(msg, keysAndValues))
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	glog.ErrorDepth(1, format(msg, keysAndValues))
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	if glog.V(DebugLevel) {
		glog.InfoDepth(1, format(msg, keysAndValues))
	}
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	glog.WarningDepth(1, format(msg, keysAndValues))
}

func format(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		b.WriteByte(' ')
		if i+1 == len(kv) {
			fmt.Fprintf(&b, "!BADKEY=%v", kv[i])
			break
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
