// internal/logging/scrub.go
package logging

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/humanizer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Secret creates a field for a config.Secret showing only its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// ScrubbingEncoder wraps a zapcore.Encoder. String values under text keys are
// cut to MaxTextLen runes with a length suffix; values under secret keys are
// replaced entirely.
type ScrubbingEncoder struct {
	zapcore.Encoder
	maxLen  int
	text    map[string]bool
	secrets map[string]bool
}

// NewScrubbingEncoder wraps base with the given rules.
func NewScrubbingEncoder(base zapcore.Encoder, cfg ScrubConfig) *ScrubbingEncoder {
	text := make(map[string]bool, len(cfg.TextFields))
	for _, f := range cfg.TextFields {
		text[strings.ToLower(f)] = true
	}
	secrets := make(map[string]bool, len(cfg.SecretFields))
	for _, f := range cfg.SecretFields {
		secrets[strings.ToLower(f)] = true
	}
	return &ScrubbingEncoder{
		Encoder: base,
		maxLen:  cfg.MaxTextLen,
		text:    text,
		secrets: secrets,
	}
}

func (e *ScrubbingEncoder) isSecret(key string) bool {
	return e.secrets[strings.ToLower(key)]
}

// truncate shortens s to maxLen runes. Zero maxLen disables truncation.
func (e *ScrubbingEncoder) truncate(key, s string) string {
	if e.maxLen == 0 || !e.text[strings.ToLower(key)] {
		return s
	}
	n := utf8.RuneCountInString(s)
	if n <= e.maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:e.maxLen]) + "...(" + strconv.Itoa(n) + " chars)"
}

// AddString applies both rules.
func (e *ScrubbingEncoder) AddString(key, val string) {
	if e.isSecret(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddString(key, e.truncate(key, val))
}

// AddByteString applies both rules.
func (e *ScrubbingEncoder) AddByteString(key string, val []byte) {
	if e.isSecret(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, []byte(e.truncate(key, string(val))))
}

// AddReflected redacts secret keys; reflected text is left to the caller.
func (e *ScrubbingEncoder) AddReflected(key string, val interface{}) error {
	if e.isSecret(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// AddObject redacts secret keys.
func (e *ScrubbingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.isSecret(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone creates a copy of the encoder.
func (e *ScrubbingEncoder) Clone() zapcore.Encoder {
	return &ScrubbingEncoder{
		Encoder: e.Encoder.Clone(),
		maxLen:  e.maxLen,
		text:    e.text,
		secrets: e.secrets,
	}
}

// EncodeEntry scrubs per-entry fields. The embedded encoder's EncodeEntry
// would otherwise add them with its own methods and skip the rules above.
func (e *ScrubbingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	scrubbed := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		scrubbed[i] = e.scrubField(f)
	}
	return e.Encoder.EncodeEntry(ent, scrubbed)
}

func (e *ScrubbingEncoder) scrubField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.StringType:
		if e.isSecret(f.Key) {
			return zap.String(f.Key, "[REDACTED]")
		}
		return zap.String(f.Key, e.truncate(f.Key, f.String))
	case zapcore.ByteStringType, zapcore.ReflectType, zapcore.ObjectMarshalerType, zapcore.StringerType:
		if e.isSecret(f.Key) {
			return zap.String(f.Key, "[REDACTED]")
		}
	}
	return f
}
