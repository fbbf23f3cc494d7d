package logger

import (
	"fmt"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger wraps the phuslu-style phlog package
type PhusluLogger struct{}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) {
	phusluFields(phlog.Debug(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Info(msg string, keyvals ...any) {
	phusluFields(phlog.Info(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Warn(msg string, keyvals ...any) {
	phusluFields(phlog.Warn(), keyvals).Msg(msg)
}

func (p *PhusluLogger) Error(msg string, keyvals ...any) {
	phusluFields(phlog.Error(), keyvals).Msg(msg)
}

// phusluFields appends alternating key/value pairs to the entry, choosing
// typed appenders where the value type is known. A trailing key with no
// value is dropped.
func phusluFields(b *phlog.Entry, keyvals []any) *phlog.Entry {
	for i := 0; i+1 < len(keyvals); i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		default:
			b = b.Any(ks, vv)
		}
	}
	return b
}
