package skillbridge

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a connection was closed or a connect attempt failed.
//
// ErrorCode implements error, so the values below double as sentinel errors:
// lower layers wrap them with fmt.Errorf("%w") and callers recover the code
// with CodeOf or errors.Is.
type ErrorCode int

// Error codes. Values are part of the client contract; do not renumber.
const (
	ErrorNone            ErrorCode = 0
	ErrorUnknownProtocol ErrorCode = 2
	ErrorKickedOut       ErrorCode = 25
	ErrorSendException   ErrorCode = 1000
	ErrorIllegalPackage  ErrorCode = 1001
	ErrorZeroByte        ErrorCode = 1002
	ErrorPackageTimeout  ErrorCode = 1003
	ErrorProxyTimeout    ErrorCode = 1004
	ErrorConnectFailure  ErrorCode = 1005
	ErrorProxyError      ErrorCode = 1006
	ErrorOnDestroy       ErrorCode = 1007
	ErrorBufferOverflow  ErrorCode = 1008
	ErrorConnectTimeout  ErrorCode = 1009
)

var codeNames = map[ErrorCode]string{
	ErrorNone:            "none",
	ErrorUnknownProtocol: "unknown protocol",
	ErrorKickedOut:       "kicked out",
	ErrorSendException:   "send exception",
	ErrorIllegalPackage:  "illegal package",
	ErrorZeroByte:        "zero byte transfer",
	ErrorPackageTimeout:  "package timeout",
	ErrorProxyTimeout:    "proxy timeout",
	ErrorConnectFailure:  "connect failure",
	ErrorProxyError:      "proxy error",
	ErrorOnDestroy:       "destroyed",
	ErrorBufferOverflow:  "buffer overflow",
	ErrorConnectTimeout:  "connect timeout",
}

// String returns the human readable name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(c))
}

func (c ErrorCode) Error() string {
	return "skillbridge: " + c.String()
}

// Fatal reports whether the code forbids any further reconnection.
func (c ErrorCode) Fatal() bool {
	return c == ErrorUnknownProtocol
}

// Retryable reports whether a client may retry the connection without
// surfacing a disconnect event.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrorConnectFailure, ErrorConnectTimeout, ErrorProxyTimeout, ErrorProxyError:
		return true
	}
	return false
}

// CodeOf extracts the ErrorCode wrapped in err. It returns ErrorNone for a
// nil error and ErrorSendException for errors that carry no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorNone
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrorSendException
}

// Standard error messages
const (
	ErrClientNotFound       = "connection not found"
	ErrConnectionClosed     = "connection is closed"
	ErrServerAlreadyRunning = "server already running"
	ErrNotInitialized       = "client address not set, call Init first"
	ErrSendQueueFull        = "send queue is full"
)
