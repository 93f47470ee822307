package client

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// ErrorString renders err into buf using the buffer-copy convention: at most
// len(buf) bytes are copied and the full message length is returned.
func ErrorString(err error, buf []byte) int {
	if err == nil {
		return 0
	}
	return protocol.CopyInto(buf, []byte(err.Error()))
}

// FormatError formats err for display. In debug mode wrapped causes are
// expanded with their stack traces.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}
	var perr *protocol.Error
	if !debugMode {
		if errors.As(err, &perr) {
			if perr.Cause != nil {
				return fmt.Sprintf("%s: %s (caused by: %s)", perr.Kind, perr.Message, perr.Cause.Error())
			}
			return fmt.Sprintf("%s: %s", perr.Kind, perr.Message)
		}
		return err.Error()
	}

	if errors.As(err, &perr) {
		out := fmt.Sprintf("%s [%s:%d]: %s", perr.Kind, perr.Source, perr.Code, perr.Message)
		if len(perr.Details) > 0 {
			out += fmt.Sprintf("\ndetails: %v", perr.Details)
		}
		if perr.Cause != nil {
			out += fmt.Sprintf("\ncause: %+v", perr.Cause)
		}
		return out
	}
	return fmt.Sprintf("%+v", err)
}

// ErrorKind returns the kind of err, or KindUnknown when err did not come
// from the driver.
func ErrorKind(err error) protocol.ErrorKind {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return protocol.KindUnknown
}

// IsRetryable reports whether err might succeed when retried on another
// connection or host.
func IsRetryable(err error) bool {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}
	return false
}

func connectionClosed(msg string, cause error) *protocol.Error {
	return protocol.WrapError(protocol.KindConnectionClosed, msg, cause)
}
