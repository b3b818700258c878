package logx

import (
	"strings"
	"sync/atomic"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

const redactedPlaceholder = "[REDACTED]"

// redactor replaces every occurrence of a configured secret in a log line.
// Uses Aho-Corasick so the cost per line does not grow with the number of
// secrets.
type redactor struct {
	matcher aho.AhoCorasick
}

var activeRedactor atomic.Pointer[redactor]

// Redact registers secret values that must never appear in log output.
// Calling it again replaces the previous set; calling it with no non-empty
// values disables redaction.
func Redact(secrets ...string) {
	var filtered []string
	for _, s := range secrets {
		if len(s) > 0 {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		activeRedactor.Store(nil)
		return
	}

	builder := aho.NewAhoCorasickBuilder(aho.Opts{})
	activeRedactor.Store(&redactor{matcher: builder.Build(filtered)})
}

func redact(line string) string {
	r := activeRedactor.Load()
	if r == nil {
		return line
	}
	return r.apply(line)
}

func (r *redactor) apply(s string) string {
	matches := r.matcher.FindAll(s)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	pos := 0
	for _, m := range matches {
		if m.Start() < pos {
			continue // overlapping match
		}
		b.WriteString(s[pos:m.Start()])
		b.WriteString(redactedPlaceholder)
		pos = m.End()
	}
	b.WriteString(s[pos:])
	return b.String()
}
