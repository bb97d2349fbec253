// Package fingerprint computes the deterministic identity digest used to
// key the Reliability Registry's dedup maps.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bobmcallan/sheetbuilder/internal/models"
)

// Digest is a 32-byte cryptographic digest of a Fingerprint's canonical form,
// hex-encoded to bound key size in the registry's maps. SHA-256 is used
// rather than a simple field concatenation because the registry may one day
// sit behind a multi-tenant boundary, where a weak hash invites crafted
// collisions between two different uploads.
type Digest string

// Compute returns the Digest for a normalized Fingerprint. The canonical
// serialization is "name\nsize\nrotation\norder" exactly as spec'd.
func Compute(fp models.Fingerprint) Digest {
	canonical := fmt.Sprintf("%s\n%d\n%d\n%s", fp.FileName, fp.SizeBytes, fp.Rotation, fp.Order)
	sum := sha256.Sum256([]byte(canonical))
	return Digest(hex.EncodeToString(sum[:]))
}
