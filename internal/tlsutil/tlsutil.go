// Package tlsutil provides the shared hardened HTTP client used by every
// provider adapter: TLS 1.2+, AEAD-only cipher suites, connection pooling,
// and proxy settings taken from the environment.
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites. Certificate verification is
// never disabled.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// SecureTransport returns an http.Transport with TLS hardening, a pooled
// connection cache, and HTTPS_PROXY honored via the standard environment
// lookup.
func SecureTransport(connectTimeout, headersTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if headersTimeout <= 0 {
		headersTimeout = 30 * time.Second
	}
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headersTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SecureHTTPClient returns an http.Client suitable for non-streaming calls:
// hardened transport plus a total wall-clock timeout.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(0, 0),
	}
}

// StreamingHTTPClient returns an http.Client for streaming calls. No total
// timeout is set; the streaming engine enforces its own stall timeout and
// cancellation instead.
func StreamingHTTPClient(connectTimeout, headersTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: SecureTransport(connectTimeout, headersTimeout),
	}
}
