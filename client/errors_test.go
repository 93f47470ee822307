package client

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dan-strohschein/cql-driver/protocol"
)

func TestErrorString(t *testing.T) {
	err := protocol.NewError(protocol.KindTimeout, "request timed out", nil)
	full := err.Error()

	buf := make([]byte, 8)
	n := ErrorString(err, buf)
	assert.Equal(t, len(full), n)
	assert.Equal(t, full[:8], string(buf))

	big := make([]byte, 256)
	n = ErrorString(err, big)
	assert.Equal(t, full, string(big[:n]))

	assert.Equal(t, 0, ErrorString(nil, buf))
}

func TestFormatError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := protocol.WrapError(protocol.KindConnectionClosed, "read failed", cause)

	assert.Equal(t, "ConnectionClosed: read failed (caused by: connection reset by peer)", FormatError(err, false))
	assert.Equal(t, "InvalidOption: bad port", FormatError(protocol.NewError(protocol.KindInvalidOption, "bad port", nil), false))

	debug := FormatError(err, true)
	assert.Contains(t, debug, "ConnectionClosed [network:1000010]: read failed")
	assert.Contains(t, debug, "cause: connection reset by peer")

	assert.Equal(t, "plain", FormatError(errors.New("plain"), false))
	assert.Empty(t, FormatError(nil, true))
}

func TestErrorKind(t *testing.T) {
	wrapped := errors.Wrap(protocol.NewError(protocol.KindSessionClosed, "closed", nil), "execute")
	assert.Equal(t, protocol.KindSessionClosed, ErrorKind(wrapped))
	assert.Equal(t, protocol.KindUnknown, ErrorKind(errors.New("other")))
	assert.Equal(t, protocol.KindUnknown, ErrorKind(nil))
}

func TestIsRetryable(t *testing.T) {
	server := func(code protocol.ServerErrorCode) error {
		return (&protocol.ServerError{Code: code, Message: "x"}).AsError()
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection closed", connectionClosed("gone", nil), true},
		{"no streams", protocol.NewError(protocol.KindNoStreamsAvailable, "busy", nil), true},
		{"overloaded", server(protocol.ServerErrOverloaded), true},
		{"read timeout", server(protocol.ServerErrReadTimeout), true},
		{"syntax", server(protocol.ServerErrSyntax), false},
		{"unbound", protocol.NewError(protocol.KindUnboundParameter, "unbound", nil), false},
		{"foreign", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
