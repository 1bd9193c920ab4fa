// Package retry classifies unit-of-work errors into transient failures,
// retried with backoff, and terminal failures, which surface immediately.
// Misclassifying terminal as transient wedges the pipeline on a poison
// event, so the default for unknown errors is terminal.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable regardless of its shape.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

// Terminal marks err as non-retryable regardless of its shape.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// classifySQLState maps Postgres error classes. Serialization and deadlock
// failures (40xxx), resource exhaustion (53xxx), and connection errors
// (08xxx) resolve on retry; constraint and data errors never do.
func classifySQLState(code string) Decision {
	switch {
	case strings.HasPrefix(code, "40"):
		return Decision{Class: ClassTransient, Reason: "sqlstate_serialization"}
	case strings.HasPrefix(code, "53"):
		return Decision{Class: ClassTransient, Reason: "sqlstate_resources"}
	case strings.HasPrefix(code, "08"):
		return Decision{Class: ClassTransient, Reason: "sqlstate_connection"}
	case code == "57014": // query_canceled, usually statement_timeout
		return Decision{Class: ClassTransient, Reason: "sqlstate_query_canceled"}
	default:
		return Decision{Class: ClassTerminal, Reason: "sqlstate_" + code}
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"server closed idle connection",
	"bad connection",
}

var terminalMessageTokens = []string{
	"invalid amount",
	"invalid ray-scaled integer",
	"invalid argument",
	"parse error",
	"constraint violation",
	"violates check constraint",
	"not found",
}
