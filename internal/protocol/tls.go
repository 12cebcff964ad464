package protocol

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"

	"github.com/evalgo/veddb/internal/veddberr"
)

// TLSConfig is the §6 tls.* config surface: cert/key/CA paths plus
// whether to require and verify client certificates. Certificate
// *generation* stays out of scope per spec.md's explicit exclusion; this
// only loads and wraps a listener.
type TLSConfig struct {
	Enabled          bool
	CertFile         string
	KeyFile          string
	CAFile           string
	RequireClientCert bool
}

// WrapListener wraps ln in a TLS listener built from cfg, or returns ln
// unchanged if TLS is disabled.
func WrapListener(ln net.Listener, cfg TLSConfig) (net.Listener, error) {
	if !cfg.Enabled {
		return ln, nil
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "load TLS certificate/key", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, veddberr.Wrap(veddberr.KindExternal, "StorageError", "read CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, veddberr.New(veddberr.KindInput, "ValidationError", "CA file contains no usable certificates")
		}
		tlsCfg.ClientCAs = pool
		if cfg.RequireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsCfg, nil
}
