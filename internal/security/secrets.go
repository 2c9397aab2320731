package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

func HashSecretSHA256(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func ConstantTimeEqualHex(aHex, bHex string) bool {
	a, err1 := hex.DecodeString(aHex)
	b, err2 := hex.DecodeString(bHex)
	if err1 != nil || err2 != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// VerifySecret checks a presented plaintext secret against a stored hash.
func VerifySecret(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	return ConstantTimeEqualHex(storedHash, HashSecretSHA256(presented))
}

// CertThumbprint is the hex SHA-256 of the certificate's DER encoding.
func CertThumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeThumbprint lowercases and strips the ':' and ' ' separators that
// certificate tools print between byte pairs.
func NormalizeThumbprint(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(":", "", " ", "").Replace(s)
}

// MatchThumbprint compares a configured thumbprint with a peer certificate.
func MatchThumbprint(configured string, cert *x509.Certificate) bool {
	if cert == nil || configured == "" {
		return false
	}
	return ConstantTimeEqualHex(NormalizeThumbprint(configured), CertThumbprint(cert))
}
