package logger

import (
	"io"
	"regexp"
)

// Redactor scrubs sensitive values from log output before it is written.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering API keys, bot tokens and other
// credential shapes that tend to leak through error messages.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`),
			// OpenAI-style API keys
			regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
			// Telegram bot tokens
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{35}`),
			// AWS access key IDs
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			// Generic key=value secrets
			regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key)["\s:=]+[^\s",}]+`),
		},
	}
}

// Redact replaces every sensitive match in s with a placeholder.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts everything written through it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{redactor: r, inner: w}
}

type redactingWriter struct {
	redactor *Redactor
	inner    io.Writer
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.inner.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat the shorter
	// redacted output as a partial write.
	return len(p), nil
}
