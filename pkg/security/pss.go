// Package security provides the cryptographic primitives shared by the
// config store and the manifest loader:
// RSA-PSS signing/verification, AES-CFB module decryption and SHA-256
// integrity hashing.
package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"fmt"
)

// pssOptions matches the PSS parameters used throughout the signed
// config and manifest formats: SHA-512, salt length equal to hash size.
var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA512,
}

// SignPSS signs payload with the given RSA private key using
// RSA-PSS/SHA-512.
func SignPSS(key *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha512.Sum512(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA512, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign pss: %w", err)
	}
	return sig, nil
}

// VerifyPSS verifies an RSA-PSS/SHA-512 signature over payload against
// the given public key. Both the signed config layer and the manifest
// submanifests use this exact scheme.
func VerifyPSS(pub *rsa.PublicKey, payload, sig []byte) error {
	digest := sha512.Sum512(payload)
	if err := rsa.VerifyPSS(pub, crypto.SHA512, digest[:], sig, pssOptions); err != nil {
		return fmt.Errorf("verify pss: %w", err)
	}
	return nil
}
