// Package security classifies TLS failures encountered when the broker
// client connects to the MQTT broker. Certificate provisioning (issuing,
// rotating, or distributing certificates) is explicitly out of scope for
// this core; callers are expected to supply a ready *tls.Config.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// TLSErrorKind distinguishes why a TLS handshake was rejected.
type TLSErrorKind string

const (
	TLSExpired          TLSErrorKind = "expired"
	TLSChainInvalid     TLSErrorKind = "chain_invalid"
	TLSHostnameMismatch TLSErrorKind = "hostname_mismatch"
	TLSSANMismatch      TLSErrorKind = "san_mismatch"
	TLSVersionTooOld    TLSErrorKind = "version_too_old"
	TLSUnknown          TLSErrorKind = "unknown"
)

// TLSError wraps a handshake failure with its classified kind.
type TLSError struct {
	Kind  TLSErrorKind
	Cause error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls: %s: %v", e.Kind, e.Cause)
}

func (e *TLSError) Unwrap() error { return e.Cause }

// ClassifyTLSError inspects a handshake error and returns a TLSError with
// a stable kind, so the broker client can log *why* a connect failed
// (its tls_error_kind field) rather than an opaque crypto/tls string.
func ClassifyTLSError(err error) *TLSError {
	if err == nil {
		return nil
	}

	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		switch certErr.Reason {
		case x509.Expired:
			return &TLSError{Kind: TLSExpired, Cause: err}
		case x509.NameMismatch, x509.NameConstraintsWithoutSANs:
			return &TLSError{Kind: TLSSANMismatch, Cause: err}
		default:
			return &TLSError{Kind: TLSChainInvalid, Cause: err}
		}
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &TLSError{Kind: TLSHostnameMismatch, Cause: err}
	}

	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return &TLSError{Kind: TLSChainInvalid, Cause: err}
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return &TLSError{Kind: TLSVersionTooOld, Cause: err}
	}

	return &TLSError{Kind: TLSUnknown, Cause: err}
}

// CheckExpiry reports whether cert is currently expired (NotAfter in the
// past) or not yet valid (NotBefore in the future), for callers that want
// to reject a certificate before even attempting a handshake.
func CheckExpiry(cert *x509.Certificate, now time.Time) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if now.Before(cert.NotBefore) {
		return &TLSError{Kind: TLSExpired, Cause: fmt.Errorf("certificate not valid until %s", cert.NotBefore)}
	}
	if now.After(cert.NotAfter) {
		return &TLSError{Kind: TLSExpired, Cause: fmt.Errorf("certificate expired at %s", cert.NotAfter)}
	}
	return nil
}

// MinTLSVersion is the minimum acceptable TLS version for broker
// connections; anything older is rejected as TLSVersionTooOld.
const MinTLSVersion = tls.VersionTLS12

// ValidateMinVersion rejects handshake states negotiated below MinTLSVersion.
func ValidateMinVersion(state tls.ConnectionState) error {
	if state.Version < MinTLSVersion {
		return &TLSError{
			Kind:  TLSVersionTooOld,
			Cause: fmt.Errorf("negotiated TLS version 0x%04x below minimum 0x%04x", state.Version, MinTLSVersion),
		}
	}
	return nil
}
