package credential

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a one-way hex digest of a raw credential for audit
// records. A non-empty salt keys the hash; salts longer than 64 bytes are
// themselves hashed down to a key.
func Fingerprint(raw string, salt []byte) string {
	if len(salt) == 0 {
		sum := blake2b.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	if len(salt) > blake2b.Size {
		k := blake2b.Sum512(salt)
		salt = k[:]
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		sum := blake2b.Sum256(append(append([]byte(nil), salt...), raw...))
		return hex.EncodeToString(sum[:])
	}
	_, _ = h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
