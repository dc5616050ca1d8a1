// Package security provides the cryptographic primitives the agent
// needs to trust what it runs and where it sends data: RSA-PSS
// signature verification for the config store and manifest, AES-CFB
// decryption for module payloads, SHA-256 integrity hashing, and an
// AES-256-GCM TokenBox for small secrets (not used by other packages).
//
// None of it implements a certificate authority or TLS client
// certificates — the agent trusts the backend via a pinned CA bundle
// (see pkg/transport), not mutual TLS.
package security
