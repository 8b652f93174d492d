package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts AWS credentials, request signatures, and Bearer tokens from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Access key ids (long-term and temporary)
	regexp.MustCompile(`(\b)(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	// Secret keys and session tokens in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(aws_secret_access_key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(secret_?access_?key["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(aws_session_token["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(session_?token["'\s:=]+)\S+`),
	// SigV4 signatures in Authorization headers and presigned URLs
	regexp.MustCompile(`(?i)(X-Amz-Security-Token["'\s:=]+)[^\s&"]+`),
	regexp.MustCompile(`(?i)(X-Amz-Signature=)[0-9a-f]+`),
	regexp.MustCompile(`(Signature=)[0-9a-f]{64}`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(re, r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redactWith.
func appendRedacted(re *regexp.Regexp, redact string) []byte {
	// All our patterns have exactly one capture group for the key/prefix.
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
