package worker

import (
	"errors"
	"io"
	"strings"
)

// isSoftFailure classifies an upload-path transport error. TLS truncation
// (an EOF mid-stream) is the cache dropping a long-lived connection, not a
// problem with the download itself, so it must not consume a retry.
// Everything else (connection refused, resets, DNS) is a hard failure.
func isSoftFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// net/http flattens TLS record errors into string form
	msg := err.Error()
	return strings.Contains(msg, "tls:") && strings.Contains(msg, "EOF")
}
