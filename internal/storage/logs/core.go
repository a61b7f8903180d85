package logs

import (
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/sniper/internal/domain"
)

type appender interface {
	Append(entry domain.LogEntry) error
}

// Core is a zapcore.Core that writes every entry to the store.
// Use it with zapcore.NewTee next to the console core.
type Core struct {
	zapcore.LevelEnabler
	store  appender
	fields []zapcore.Field
}

// NewCore creates a core writing entries at or above level.
func NewCore(store appender, level zapcore.LevelEnabler) *Core {
	return &Core{LevelEnabler: level, store: store}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := &Core{LevelEnabler: c.LevelEnabler, store: c.store}
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}

	entry := domain.LogEntry{
		Timestamp: ent.Time,
		Level:     ent.Level.String(),
		Message:   ent.Message,
	}
	if len(enc.Fields) > 0 {
		entry.Data = enc.Fields
	}

	return c.store.Append(entry)
}

func (c *Core) Sync() error { return nil }
