package pkg

import (
	"fmt"

	"github.com/deploymenttheory/go-orbispkg/internal/crypto"
	"github.com/deploymenttheory/go-orbispkg/internal/memio"
)

// license.dat geometry: the encrypted Secret blob and the entitlement key
// slot inside it.
const (
	licenseSecretOffset = 0x1A0
	licenseSecretSize   = 0x90
	entitlementKeyOff   = 0x70
	entitlementKeySize  = 0x10
)

// EntitlementKey extracts the 16-byte entitlement key of an additional
// content package from the license.dat Secret, decrypted with the debug
// key. Only AC and AL packages carry one.
func (r *Reader) EntitlementKey() ([]byte, error) {
	ct := r.Header.ContentType
	if ct != ContentTypeAC && ct != ContentTypeAL {
		return nil, fmt.Errorf("%w: %s packages carry no entitlement key", ErrBadStructure, ct)
	}

	m := r.Meta(EntryLicenseDat)
	if m == nil {
		return nil, fmt.Errorf("%w: package has no license.dat", ErrBadStructure)
	}

	if uint64(m.DataSize) < licenseSecretOffset+licenseSecretSize {
		return nil, fmt.Errorf("%w: license.dat of %d bytes has no secret", ErrBadStructure, m.DataSize)
	}

	secret, err := memio.ReadExact(r.src, int64(m.DataOffset)+licenseSecretOffset, licenseSecretSize)
	if err != nil {
		return nil, fmt.Errorf("read license secret: %w", err)
	}

	iv := make([]byte, 16)
	if err := crypto.DecryptCBC(crypto.DebugKey, iv, secret); err != nil {
		return nil, fmt.Errorf("decrypt license secret: %w", err)
	}

	return secret[entitlementKeyOff : entitlementKeyOff+entitlementKeySize], nil
}
