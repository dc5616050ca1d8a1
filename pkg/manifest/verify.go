package manifest

import (
	"crypto/rsa"
	"fmt"

	"github.com/cuemby/agentctl/pkg/security"
	"github.com/cuemby/agentctl/pkg/types"
)

// VerifySubmanifest checks body's RSA-PSS/SHA-512 signature over its
// own 12-byte tail plus its mod_count*97 module bytes.
func VerifySubmanifest(body *types.ManifestBody, pubkey *rsa.PublicKey) error {
	payload := signedPayload(body)
	if err := security.VerifyPSS(pubkey, payload, body.Signature[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return nil
}

// Verify checks every submanifest in m.
func (m *Manifest) Verify(pubkey *rsa.PublicKey) error {
	for i := range m.Bodies {
		if err := VerifySubmanifest(&m.Bodies[i], pubkey); err != nil {
			return fmt.Errorf("submanifest %d: %w", i, err)
		}
	}
	return nil
}

// Lookup returns the module record matching nameHash, searching every
// submanifest in server order.
func (m *Manifest) Lookup(nameHash [32]byte) (*types.ModuleRecord, bool) {
	for _, body := range m.Bodies {
		for i := range body.Modules {
			if body.Modules[i].NameHash == nameHash {
				return &body.Modules[i], true
			}
		}
	}
	return nil, false
}
