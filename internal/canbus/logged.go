package canbus

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOption selects which operations a logged bus records.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

type loggedBus struct {
	inner  Bus
	logger *zap.Logger
	level  zapcore.Level
	opts   LogOption
	filter FrameFilter
}

// NewLoggedBus wraps inner and logs the selected operations at level.
// Only frames matching filter are logged; a nil filter logs everything.
// Errors are always logged at error level for the selected directions.
func NewLoggedBus(inner Bus, logger *zap.Logger, level zapcore.Level, opts LogOption, filter FrameFilter) Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &loggedBus{inner: inner, logger: logger, level: level, opts: opts, filter: filter}
}

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	write := l.opts&LogWrite != 0
	if write && (l.filter == nil || l.filter(frame)) {
		l.logger.Log(l.level, "CAN send", frameFields(frame)...)
	}
	err := l.inner.Send(ctx, frame)
	if write && err != nil {
		l.logger.Error("CAN send failed", zap.Uint32("id", frame.ID), zap.Error(err))
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error("CAN receive failed", zap.Error(err))
		}
		return f, err
	}
	if l.filter == nil || l.filter(f) {
		l.logger.Log(l.level, "CAN receive", frameFields(f)...)
	}
	return f, nil
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}

func frameFields(f Frame) []zap.Field {
	return []zap.Field{
		zap.Uint32("id", f.ID),
		zap.Bool("extended", f.Extended),
		zap.Bool("rtr", f.RTR),
		zap.Uint8("len", f.Len),
		zap.Binary("data", f.Payload()),
		zap.Stringer("frame", f),
	}
}
