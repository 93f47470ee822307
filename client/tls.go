package client

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// TLSConfig configures TLS for node connections.
type TLSConfig struct {
	// Enabled turns on TLS for every connection.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// HostVerification requires the server certificate to match the host.
	// Default: true
	HostVerification bool `yaml:"host_verification"`

	// CAPath is the path to a PEM CA bundle used to verify servers.
	CAPath string `yaml:"ca_path"`

	// CertPath and KeyPath are the client certificate and key.
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`

	// ServerName overrides the name used for verification.
	ServerName string `yaml:"server_name"`
}

// RegisterFlagsWithPrefix adds the TLS flags to f.
func (cfg *TLSConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"ssl", false, "Use SSL when connecting to nodes.")
	f.BoolVar(&cfg.HostVerification, prefix+"host-verification", true, "Require SSL certificate validation.")
	f.StringVar(&cfg.CAPath, prefix+"ca-path", "", "Path to certificate file to verify the peer.")
	f.StringVar(&cfg.CertPath, prefix+"tls-cert-path", "", "Path to certificate file used by the client.")
	f.StringVar(&cfg.KeyPath, prefix+"tls-key-path", "", "Path to private key file used by the client.")
	f.StringVar(&cfg.ServerName, prefix+"tls-server-name", "", "Override the server name used to verify certificates.")
}

// buildTLSConfig creates a crypto/tls configuration, or nil when TLS is off.
func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: !cfg.HostVerification,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		caCert, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, sslError(protocol.ErrorCodeSSLCACert, "failed to load CA certificate", cfg.CAPath, errors.WithStack(err))
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, sslError(protocol.ErrorCodeSSLCACert, "failed to parse CA certificate", cfg.CAPath, nil)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.CertPath != "" || cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			code := protocol.ErrorCodeSSLCert
			if _, statErr := os.Stat(cfg.KeyPath); statErr != nil {
				code = protocol.ErrorCodeSSLPrivateKey
			}
			return nil, sslError(code, "failed to load client certificate and key", cfg.CertPath, errors.WithStack(err))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func sslError(code protocol.ErrorCode, msg, path string, cause error) *protocol.Error {
	e := protocol.WrapError(protocol.KindTLS, msg, cause)
	e.Code = code
	e.Details = map[string]interface{}{"path": path}
	return e
}
