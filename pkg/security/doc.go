/*
Package security classifies TLS handshake failures for the broker
client. Certificate provisioning — issuing, rotating, or distributing
node certificates — is out of scope for this core; it is expected to be
handled by the surrounding application and handed to the broker client
as an ordinary *tls.Config.

ClassifyTLSError turns the handful of error shapes crypto/tls and
crypto/x509 can return from a failed handshake into one of a small,
stable set of kinds (expired, chain invalid, hostname mismatch, SAN
mismatch, TLS version too old) so a failed connect is logged with a
stable reason rather than an opaque wrapped error.
*/
package security
