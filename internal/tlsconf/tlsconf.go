// Package tlsconf derives the overlay's self-signed TLS identity from a
// locally persisted ed25519 secret key, and builds the trust-on-first-use
// verifier both sides of an overlay connection use in place of a
// certificate authority.
//
// There is no shared secret here: every replica generates its own random
// ed25519 key once and persists it, and peers accept whatever public key a
// connection presents on first contact. ed25519 is chosen specifically
// because its public key is exactly 32 bytes — the identity's wire size
// the protocol already assumes.
package tlsconf

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ALPN is the protocol token the overlay's QUIC/TLS handshake negotiates.
const ALPN = "todo-mcp/v1"

// Identity is a replica's persisted ed25519 keypair and its derived
// 32-byte public identity.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// LoadOrCreate reads a raw 64-byte ed25519 private key from path, or
// generates and persists a new one if absent. A present-but-unparseable
// file is replaced rather than treated as fatal, and regenerated is true
// only in that case, so the caller can log a warning.
func LoadOrCreate(path string) (id Identity, regenerated bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr == nil && len(data) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(data)
		return Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, false, nil
	}

	_, priv, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return Identity{}, false, fmt.Errorf("tlsconf: generate key: %w", genErr)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return Identity{}, false, fmt.Errorf("tlsconf: persist key: %w", err)
	}
	regenerated = readErr == nil // a file existed but was malformed
	return Identity{Public: priv.Public().(ed25519.PublicKey), private: priv}, regenerated, nil
}

// SiteID returns the first four bytes of the public identity, big-endian,
// as the short 32-bit site_id used for protocol framing. Prone to
// collision by construction and must never be relied on for CRDT
// correctness.
func (id Identity) SiteID() uint32 {
	return SiteIDOf(id.Public)
}

// SiteIDOf derives the short 32-bit site_id for an arbitrary public
// identity, e.g. one just extracted from a peer's TLS handshake.
func SiteIDOf(pub ed25519.PublicKey) uint32 {
	return uint32(pub[0])<<24 | uint32(pub[1])<<16 | uint32(pub[2])<<8 | uint32(pub[3])
}

// TLSConfig returns a *tls.Config carrying id's self-signed certificate,
// configured for both dial and accept use (quic-go negotiates direction
// from how the config is used, not from its contents).
func (id Identity) TLSConfig() (*tls.Config, error) {
	certDER, err := selfSignedCert(id.private, id.Public)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: self-signed cert: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  id.private,
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, //nolint:gosec // TOFU: we verify the peer's public key ourselves, not the chain
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := ExtractPeerIdentity(rawCerts)
			return err
		},
	}, nil
}

// ExtractPeerIdentity parses the leaf certificate from a TLS handshake's
// raw certificate chain and returns the peer's ed25519 public key — its
// overlay identity. This is the entire trust decision: whatever key the
// handshake presents is accepted (trust-on-first-use), and the caller is
// responsible for recording it in the known-peers set.
func ExtractPeerIdentity(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("tlsconf: peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("tlsconf: parse peer cert: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("tlsconf: peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	return pub, nil
}

// IdentityLess reports whether a sorts before b by raw byte order — the
// tie-break the overlay's dial loop uses to decide which side of a pair
// initiates.
func IdentityLess(a, b ed25519.PublicKey) bool {
	return bytes.Compare(a, b) < 0
}

func selfSignedCert(priv ed25519.PrivateKey, pub ed25519.PublicKey) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "todomcp"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
}

// EncodeCertPEM is exposed for diagnostics (e.g. a future `todomcp status
// --verbose` dump); not on the hot path.
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
