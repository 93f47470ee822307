// Package tcp dials transports over TCP, optionally upgraded to TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/cql-driver/protocol"
	"github.com/dan-strohschein/cql-driver/transport"
)

// Options configures the TCP dialer
type Options struct {
	// ConnectTimeout bounds the TCP connect and TLS handshake.
	// Default: 5s
	ConnectTimeout time.Duration

	// KeepAlive is the TCP keep-alive period.
	// Default: 30s
	KeepAlive time.Duration

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
}

// NewFactory returns a transport.Factory dialing with opts.
func NewFactory(opts Options) transport.Factory {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	return func(ctx context.Context, addr string) (transport.Transport, error) {
		return Dial(ctx, addr, opts)
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts Options) (transport.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: opts.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindTransport, "failed to connect to "+addr, errors.WithStack(err))
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig.Clone()
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr == nil {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, cfg)
		hsCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, parseTLSError(err)
		}
		conn = tlsConn
	}

	return &tcpTransport{Conn: conn, addr: addr}, nil
}

type tcpTransport struct {
	net.Conn
	addr string
}

func (t *tcpTransport) RemoteAddr() string { return t.addr }

func (t *tcpTransport) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if err != nil {
		return n, mapIOError(t.Conn, err)
	}
	return n, nil
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if err != nil {
		return n, mapIOError(t.Conn, err)
	}
	return n, nil
}

func mapIOError(conn net.Conn, err error) error {
	if _, ok := conn.(*tls.Conn); ok {
		var recordErr tls.RecordHeaderError
		if errors.As(err, &recordErr) {
			e := protocol.WrapError(protocol.KindTLS, "tls record error", err)
			e.Code = protocol.ErrorCodeSSLRead
			return e
		}
	}
	return err
}

// parseTLSError provides clear error messages for common TLS failures.
func parseTLSError(err error) error {
	errStr := err.Error()

	e := protocol.WrapError(protocol.KindTLS, "TLS handshake failed", err)
	switch {
	case strings.Contains(errStr, "certificate has expired"):
		e.Message = "server certificate has expired"
		e.Code = protocol.ErrorCodeSSLCert
	case strings.Contains(errStr, "doesn't match") || strings.Contains(errStr, "not valid for"):
		e.Message = "server certificate hostname doesn't match connection address"
		e.Code = protocol.ErrorCodeSSLCert
	case strings.Contains(errStr, "unknown authority"):
		e.Message = "server certificate signed by unknown authority (try setting a custom CA)"
		e.Code = protocol.ErrorCodeSSLCACert
	}
	return e
}
