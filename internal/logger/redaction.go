package logger

import (
	"io"
	"regexp"
)

// Redactor masks secrets in serialized log lines.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Bearer tokens on the engine handshake
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Shared engine token in query strings and config dumps
			regexp.MustCompile(`token["\s:=]+"?[a-zA-Z0-9._-]{8,}`),

			// Passwords embedded in source URLs
			regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`),
			regexp.MustCompile(`password["\s:=]+[^\s",]+`),

			// Generic secrets
			regexp.MustCompile(`secret["\s:=]+[^\s",]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every match with [REDACTED].
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
