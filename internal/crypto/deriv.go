package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PackageKeySize is the AES-256 key size used for data packages.
const PackageKeySize = 32

// DeriveHKDF derives len bytes from a master key with a context string.
func DeriveHKDF(master []byte, context string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(context))
	out := make([]byte, n)
	_, err := io.ReadFull(r, out)
	return out, err
}

// PackageKey derives the key for the package of one dataset. The same
// master key and dataset id always yield the same key.
func PackageKey(master []byte, dataID string) ([]byte, error) {
	return DeriveHKDF(master, "uplink/package/"+dataID, PackageKeySize)
}
