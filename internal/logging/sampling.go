// internal/logging/sampling.go
package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore gives every configured level below Error its own sampler.
// Levels without an entry and Error and above pass through unsampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core
	}

	cores := make([]zapcore.Core, 0, len(cfg.Levels)+1)
	unsampled := make(map[zapcore.Level]bool)
	for lvl := TraceLevel; lvl <= zapcore.FatalLevel; lvl++ {
		unsampled[lvl] = true
	}

	for lvl, rate := range cfg.Levels {
		if lvl >= zapcore.ErrorLevel || rate.Initial <= 0 {
			continue
		}
		delete(unsampled, lvl)
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelFilterCore{Core: core, levels: map[zapcore.Level]bool{lvl: true}},
			cfg.Tick.Duration(),
			rate.Initial,
			rate.Thereafter,
		))
	}

	cores = append(cores, &levelFilterCore{Core: core, levels: unsampled})
	return zapcore.NewTee(cores...)
}

// levelFilterCore only passes entries whose level is in levels.
type levelFilterCore struct {
	zapcore.Core
	levels map[zapcore.Level]bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.levels[lvl] && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.levels[e.Level] {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:   c.Core.With(fields),
		levels: c.levels,
	}
}
