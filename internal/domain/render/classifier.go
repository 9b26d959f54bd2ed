package render

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// Category is the retry classification assigned to a render failure.
type Category string

const (
	// CategoryRetryable covers transient failures: network errors, renderer
	// unavailability, upstream 5xx responses.
	CategoryRetryable Category = "retryable"
	// CategoryNonRetryable covers configuration and input failures that will
	// not succeed on a second attempt.
	CategoryNonRetryable Category = "non_retryable"
	// CategoryTimeout marks a render that exceeded its deadline. Timeouts are
	// retry-eligible but tracked separately.
	CategoryTimeout Category = "timeout"
	// CategoryUnknown is the fail-closed fallback for errors no rule matched.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether a failure in this category consumes a retry
// rather than failing the job terminally. Unknown fails closed.
func (c Category) Retryable() bool {
	return c == CategoryRetryable || c == CategoryTimeout
}

// Pattern rules are matched as lowercase substrings of the error message.
// Non-retryable patterns take precedence over retryable ones, so a message
// like "template not found: connection context" stays non-retryable.
var nonRetryablePatterns = []string{
	"not found",
	"404",
	"invalid",
	"permission",
	"unauthorized",
	"forbidden",
	"does not exist",
	"template error",
	"composition not found",
	"missing file",
}

var retryablePatterns = []string{
	"connection",
	"timeout",
	"network",
	"unavailable",
	"temporary",
	"503",
	"502",
	"504",
	"econnrefused",
	"etimedout",
	"enotfound",
}

// Classify assigns a retry category to a render failure. Classification is
// deterministic: the render-timeout sentinel first, then non-retryable
// message patterns, then retryable patterns, then the error's structural
// kind, and finally unknown.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	if errors.Is(err, model.ErrRenderTimeout) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(msg, pattern) {
			return CategoryNonRetryable
		}
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return CategoryRetryable
		}
	}

	return classifyKind(err)
}

// classifyKind inspects the error's type when no message pattern matched.
func classifyKind(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryRetryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return CategoryRetryable
	}

	if errors.Is(err, fs.ErrNotExist) {
		return CategoryNonRetryable
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return CategoryNonRetryable
	}

	return CategoryUnknown
}
