package billing

import (
	"github.com/rs/zerolog/log"
)

// BestEffort is the result of a side effect whose failure never changes the
// outcome of the operation that triggered it. Callers may ignore it.
type BestEffort struct {
	Action string
	Err    error
	fields map[string]string
}

func bestEffort(action string, err error, fields ...string) BestEffort {
	b := BestEffort{Action: action, Err: err}
	if len(fields) > 1 {
		b.fields = make(map[string]string, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			b.fields[fields[i]] = fields[i+1]
		}
	}
	return b
}

// OK reports whether the side effect succeeded.
func (b BestEffort) OK() bool { return b.Err == nil }

// Log writes a warning when the side effect failed.
func (b BestEffort) Log() BestEffort {
	if b.Err == nil {
		return b
	}
	ev := log.Warn().Err(b.Err).Str("action", b.Action)
	for k, v := range b.fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("Best-effort side effect failed")
	return b
}
