// Package netutil provides the shared download plumbing for runtime
// auto-install and bundle pulls: a TLS 1.2+ floor, bounded retry with
// Retry-After support, size-limited body reads, and credential-stripped URL
// logging.
package netutil

import (
	"crypto/tls"
)

// TLSConfig returns the client TLS configuration used for every host-side
// download: TLS 1.2 minimum with a modern cipher suite list.
func TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
	}
}

// MinTLSVersion returns the minimum TLS version the host accepts.
func MinTLSVersion() uint16 {
	return tls.VersionTLS12
}

// TLSVersionString returns a human-readable TLS version name.
func TLSVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}
