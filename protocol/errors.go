// Package protocol implements the CQL native protocol wire format: frame
// headers, primitive encodings, typed values, request and response bodies,
// and the driver error space.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorSource partitions the error code space by origin.
type ErrorSource int

const (
	SourceOS          ErrorSource = 1
	SourceNetwork     ErrorSource = 2
	SourceSSL         ErrorSource = 3
	SourceCompression ErrorSource = 4
	SourceServer      ErrorSource = 5
	SourceLibrary     ErrorSource = 6
)

func (s ErrorSource) String() string {
	switch s {
	case SourceOS:
		return "os"
	case SourceNetwork:
		return "network"
	case SourceSSL:
		return "ssl"
	case SourceCompression:
		return "compression"
	case SourceServer:
		return "server"
	case SourceLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// ErrorCode is the numeric code of an error within its source. Server codes
// are passed through unmodified.
type ErrorCode int

const (
	ErrorCodeNone ErrorCode = 0

	// Library and SSL codes (1000000-1000099)
	ErrorCodeSSLCert           ErrorCode = 1000000
	ErrorCodeSSLPrivateKey     ErrorCode = 1000001
	ErrorCodeSSLCACert         ErrorCode = 1000002
	ErrorCodeSSLCRL            ErrorCode = 1000003
	ErrorCodeSSLRead           ErrorCode = 1000004
	ErrorCodeSSLWrite          ErrorCode = 1000005
	ErrorCodeSSLReadWaiting    ErrorCode = 1000006
	ErrorCodeSSLWriteWaiting   ErrorCode = 1000007
	ErrorCodeNoStreams         ErrorCode = 1000008
	ErrorCodeMaxConnections    ErrorCode = 1000009
	ErrorCodeConnectionClosed  ErrorCode = 1000010
	ErrorCodeAlreadyReleased   ErrorCode = 1000011
	ErrorCodeUnboundParameter  ErrorCode = 1000012
	ErrorCodeIndexOutOfRange   ErrorCode = 1000013
	ErrorCodeTypeMismatch      ErrorCode = 1000014
	ErrorCodeMalformedFrame    ErrorCode = 1000015
	ErrorCodeUnknownType       ErrorCode = 1000016
	ErrorCodeProtocolViolation ErrorCode = 1000017
	ErrorCodeNoHostAvailable   ErrorCode = 1000018
	ErrorCodeSessionClosed     ErrorCode = 1000019
	ErrorCodeInvalidOption     ErrorCode = 1000020
	ErrorCodeUnsupported       ErrorCode = 1000021
	ErrorCodeAuthRequired      ErrorCode = 1000022
	ErrorCodeTimeout           ErrorCode = 1000023
	ErrorCodeCompression       ErrorCode = 1000024
	ErrorCodeConnect           ErrorCode = 1000025
)

var errorCodeMessages = map[ErrorCode]string{
	ErrorCodeNone:              "no error",
	ErrorCodeSSLCert:           "unable to load certificate",
	ErrorCodeSSLPrivateKey:     "unable to load private key",
	ErrorCodeSSLCACert:         "unable to load CA certificate",
	ErrorCodeSSLCRL:            "unable to load certificate revocation list",
	ErrorCodeSSLRead:           "ssl read error",
	ErrorCodeSSLWrite:          "ssl write error",
	ErrorCodeSSLReadWaiting:    "ssl read waiting",
	ErrorCodeSSLWriteWaiting:   "ssl write waiting",
	ErrorCodeNoStreams:         "no streams available",
	ErrorCodeMaxConnections:    "maximum number of connections reached",
	ErrorCodeConnectionClosed:  "connection closed",
	ErrorCodeAlreadyReleased:   "result already released",
	ErrorCodeUnboundParameter:  "unbound parameter",
	ErrorCodeIndexOutOfRange:   "index out of range",
	ErrorCodeTypeMismatch:      "type mismatch",
	ErrorCodeMalformedFrame:    "malformed frame",
	ErrorCodeUnknownType:       "unknown type",
	ErrorCodeProtocolViolation: "protocol violation",
	ErrorCodeNoHostAvailable:   "no host available",
	ErrorCodeSessionClosed:     "session closed",
	ErrorCodeInvalidOption:     "invalid option",
	ErrorCodeUnsupported:       "unsupported by protocol version",
	ErrorCodeAuthRequired:      "authentication required",
	ErrorCodeTimeout:           "operation timed out",
	ErrorCodeCompression:       "compression error",
	ErrorCodeConnect:           "unable to connect",
}

// ErrorCodeString renders the message for code into buf and returns the full
// length of the message regardless of len(buf).
func ErrorCodeString(code ErrorCode, buf []byte) int {
	msg, ok := errorCodeMessages[code]
	if !ok {
		if name, known := serverErrorNames[ServerErrorCode(code)]; known {
			msg = name
		} else {
			msg = fmt.Sprintf("unknown error %d", int(code))
		}
	}
	return CopyInto(buf, []byte(msg))
}

// ErrorKind classifies errors independently of their numeric code.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindTLS
	KindCompression
	KindServer
	KindNoStreamsAvailable
	KindMaxConnections
	KindConnectionClosed
	KindAlreadyReleased
	KindUnboundParameter
	KindIndexOutOfRange
	KindTypeMismatch
	KindMalformedFrame
	KindUnknownType
	KindProtocolViolation
	KindNoHostAvailable
	KindSessionClosed
	KindInvalidOption
	KindUnsupported
	KindAuthRequired
	KindTimeout
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "Unknown",
	KindTransport:          "Transport",
	KindTLS:                "TLS",
	KindCompression:        "Compression",
	KindServer:             "Server",
	KindNoStreamsAvailable: "NoStreamsAvailable",
	KindMaxConnections:     "MaxConnections",
	KindConnectionClosed:   "ConnectionClosed",
	KindAlreadyReleased:    "AlreadyReleased",
	KindUnboundParameter:   "UnboundParameter",
	KindIndexOutOfRange:    "IndexOutOfRange",
	KindTypeMismatch:       "TypeMismatch",
	KindMalformedFrame:     "MalformedFrame",
	KindUnknownType:        "UnknownType",
	KindProtocolViolation:  "ProtocolViolation",
	KindNoHostAvailable:    "NoHostAvailable",
	KindSessionClosed:      "SessionClosed",
	KindInvalidOption:      "InvalidOption",
	KindUnsupported:        "Unsupported",
	KindAuthRequired:       "AuthRequired",
	KindTimeout:            "Timeout",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned across the driver API.
type Error struct {
	Source  ErrorSource            `json:"source"`
	Code    ErrorCode              `json:"code"`
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%d] %s", e.Source, e.Code, e.Message)
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		msg = fmt.Sprintf("%s (details: %s)", msg, string(detailsJSON))
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. Server errors
// additionally have to match on code unless the target code is zero.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if e.Kind == KindServer && t.Code != ErrorCodeNone {
		return t.Code == e.Code
	}
	return true
}

// IsRetryable reports whether the failed operation may succeed on another
// connection or host.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindConnectionClosed, KindNoStreamsAvailable, KindTransport, KindTimeout, KindNoHostAvailable:
		return true
	case KindServer:
		switch ServerErrorCode(e.Code) {
		case ServerErrOverloaded, ServerErrBootstrapping, ServerErrUnavailable,
			ServerErrWriteTimeout, ServerErrReadTimeout:
			return true
		}
	}
	return false
}

// ToJSON serializes the error for logging sinks that expect structured data.
func (e *Error) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewError creates a library error of the given kind.
func NewError(kind ErrorKind, message string, details map[string]interface{}) *Error {
	source, code := classify(kind)
	return &Error{
		Source:  source,
		Code:    code,
		Kind:    kind,
		Message: message,
		Details: details,
	}
}

// WrapError creates an error of the given kind caused by err.
func WrapError(kind ErrorKind, message string, err error) *Error {
	e := NewError(kind, message, nil)
	e.Cause = err
	return e
}

func classify(kind ErrorKind) (ErrorSource, ErrorCode) {
	switch kind {
	case KindTransport:
		return SourceNetwork, ErrorCodeConnect
	case KindTLS:
		return SourceSSL, ErrorCodeSSLRead
	case KindCompression:
		return SourceCompression, ErrorCodeCompression
	case KindServer:
		return SourceServer, ErrorCodeNone
	case KindNoStreamsAvailable:
		return SourceLibrary, ErrorCodeNoStreams
	case KindMaxConnections:
		return SourceLibrary, ErrorCodeMaxConnections
	case KindConnectionClosed:
		return SourceNetwork, ErrorCodeConnectionClosed
	case KindAlreadyReleased:
		return SourceLibrary, ErrorCodeAlreadyReleased
	case KindUnboundParameter:
		return SourceLibrary, ErrorCodeUnboundParameter
	case KindIndexOutOfRange:
		return SourceLibrary, ErrorCodeIndexOutOfRange
	case KindTypeMismatch:
		return SourceLibrary, ErrorCodeTypeMismatch
	case KindMalformedFrame:
		return SourceLibrary, ErrorCodeMalformedFrame
	case KindUnknownType:
		return SourceLibrary, ErrorCodeUnknownType
	case KindProtocolViolation:
		return SourceLibrary, ErrorCodeProtocolViolation
	case KindNoHostAvailable:
		return SourceLibrary, ErrorCodeNoHostAvailable
	case KindSessionClosed:
		return SourceLibrary, ErrorCodeSessionClosed
	case KindInvalidOption:
		return SourceLibrary, ErrorCodeInvalidOption
	case KindUnsupported:
		return SourceLibrary, ErrorCodeUnsupported
	case KindAuthRequired:
		return SourceLibrary, ErrorCodeAuthRequired
	case KindTimeout:
		return SourceLibrary, ErrorCodeTimeout
	default:
		return SourceLibrary, ErrorCodeNone
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoStreamsAvailable = &Error{Kind: KindNoStreamsAvailable}
	ErrMaxConnections     = &Error{Kind: KindMaxConnections}
	ErrConnectionClosed   = &Error{Kind: KindConnectionClosed}
	ErrAlreadyReleased    = &Error{Kind: KindAlreadyReleased}
	ErrUnboundParameter   = &Error{Kind: KindUnboundParameter}
	ErrIndexOutOfRange    = &Error{Kind: KindIndexOutOfRange}
	ErrTypeMismatch       = &Error{Kind: KindTypeMismatch}
	ErrMalformedFrame     = &Error{Kind: KindMalformedFrame}
	ErrUnknownType        = &Error{Kind: KindUnknownType}
	ErrProtocolViolation  = &Error{Kind: KindProtocolViolation}
	ErrNoHostAvailable    = &Error{Kind: KindNoHostAvailable}
	ErrSessionClosed      = &Error{Kind: KindSessionClosed}
	ErrInvalidOption      = &Error{Kind: KindInvalidOption}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrServer             = &Error{Kind: KindServer}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

func malformed(format string, args ...interface{}) *Error {
	return NewError(KindMalformedFrame, fmt.Sprintf(format, args...), nil)
}

// TypeMismatchError reports a value whose tag is incompatible with the
// declared column type.
func TypeMismatchError(declared TypeInfo, got TypeInfo) *Error {
	return NewError(KindTypeMismatch, "value type does not match declared type", map[string]interface{}{
		"declared": declared.String(),
		"value":    got.String(),
	})
}

// ServerErrorCode is the error code carried in an ERROR frame.
type ServerErrorCode int32

const (
	ServerErrServer          ServerErrorCode = 0x0000
	ServerErrProtocol        ServerErrorCode = 0x000A
	ServerErrCredentials     ServerErrorCode = 0x0100
	ServerErrUnavailable     ServerErrorCode = 0x1000
	ServerErrOverloaded      ServerErrorCode = 0x1001
	ServerErrBootstrapping   ServerErrorCode = 0x1002
	ServerErrTruncate        ServerErrorCode = 0x1003
	ServerErrWriteTimeout    ServerErrorCode = 0x1100
	ServerErrReadTimeout     ServerErrorCode = 0x1200
	ServerErrSyntax          ServerErrorCode = 0x2000
	ServerErrUnauthorized    ServerErrorCode = 0x2100
	ServerErrInvalid         ServerErrorCode = 0x2200
	ServerErrConfig          ServerErrorCode = 0x2300
	ServerErrAlreadyExists   ServerErrorCode = 0x2400
	ServerErrUnprepared      ServerErrorCode = 0x2500
)

var serverErrorNames = map[ServerErrorCode]string{
	ServerErrServer:        "server error",
	ServerErrProtocol:      "protocol error",
	ServerErrCredentials:   "bad credentials",
	ServerErrUnavailable:   "unavailable exception",
	ServerErrOverloaded:    "overloaded",
	ServerErrBootstrapping: "is bootstrapping",
	ServerErrTruncate:      "truncate error",
	ServerErrWriteTimeout:  "write timeout",
	ServerErrReadTimeout:   "read timeout",
	ServerErrSyntax:        "syntax error",
	ServerErrUnauthorized:  "unauthorized",
	ServerErrInvalid:       "invalid query",
	ServerErrConfig:        "configuration error",
	ServerErrAlreadyExists: "already exists",
	ServerErrUnprepared:    "unprepared",
}

func (c ServerErrorCode) String() string {
	if name, ok := serverErrorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("server error 0x%04x", int32(c))
}
