// Package tls holds the certificate plumbing between the gateway and the
// guardian oracle.
//
// The oracle serves HTTPS with a certificate the gateway pins: the gateway
// trusts only the certificates found in the configured PEM file, never the
// system roots. TrustStore keeps that pool current when the file is rotated,
// and the generation helpers produce matching key material for development
// and tests.
package tls
