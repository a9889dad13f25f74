package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

type errorClass int

const (
	classUnknown errorClass = iota
	classNonRetryable
	classConnection
	classPoolTimeout
	classCanceled
)

func (c errorClass) String() string {
	switch c {
	case classNonRetryable:
		return "non_retryable"
	case classConnection:
		return "connection"
	case classPoolTimeout:
		return "pool_timeout"
	case classCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// SQLSTATE codes that will fail the same way on every attempt.
var nonRetryableCodes = map[string]struct{}{
	"42601": {}, // syntax_error
	"42501": {}, // insufficient_privilege
	"42P01": {}, // undefined_table
	"42703": {}, // undefined_column
}

var nonRetryableMessages = []string{
	"syntax error",
	"permission denied",
	"does not exist",
	"violates",
	"duplicate key",
}

var connectionMessages = []string{
	"connection closed",
	"conn closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"server closed the connection",
	"eof",
}

func classify(err error) errorClass {
	if err == nil {
		return classUnknown
	}
	if errors.Is(err, ErrPoolTimeout) {
		return classPoolTimeout
	}
	if errors.Is(err, ErrQueryTimeout) {
		return classConnection
	}
	if errors.Is(err, context.Canceled) {
		return classCanceled
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := nonRetryableCodes[pgErr.Code]; ok {
			return classNonRetryable
		}
		if strings.HasPrefix(pgErr.Code, "23") {
			return classNonRetryable
		}
		// class 08 is connection_exception
		if strings.HasPrefix(pgErr.Code, "08") {
			return classConnection
		}
		return classUnknown
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return classConnection
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return classConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return classConnection
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return classConnection
	}

	msg := strings.ToLower(err.Error())
	for _, m := range nonRetryableMessages {
		if strings.Contains(msg, m) {
			return classNonRetryable
		}
	}
	for _, m := range connectionMessages {
		if strings.Contains(msg, m) {
			return classConnection
		}
	}
	return classUnknown
}
