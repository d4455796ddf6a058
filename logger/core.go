package logger

import (
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

type coreHolder struct {
	core zapcore.Core
}

// swapCore forwards to a core that can be replaced at runtime. Derived cores
// (from With) share the holder, so a swap reaches them too.
type swapCore struct {
	target *atomic.Pointer[coreHolder]
	fields []zapcore.Field
}

func newSwapCore(c zapcore.Core) *swapCore {
	p := &atomic.Pointer[coreHolder]{}
	p.Store(&coreHolder{core: c})
	return &swapCore{target: p}
}

func (c *swapCore) swap(next zapcore.Core) {
	c.target.Store(&coreHolder{core: next})
}

func (c *swapCore) current() zapcore.Core {
	core := c.target.Load().core
	if len(c.fields) > 0 {
		core = core.With(c.fields)
	}
	return core
}

func (c *swapCore) Enabled(l zapcore.Level) bool {
	return c.target.Load().core.Enabled(l)
}

func (c *swapCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &swapCore{target: c.target, fields: merged}
}

func (c *swapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return c.current().Check(ent, ce)
}

func (c *swapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.current().Write(ent, fields)
}

func (c *swapCore) Sync() error {
	return c.target.Load().core.Sync()
}
