package hash

import (
	"golang.org/x/crypto/blake2b"
)

// Sum256 returns the blake2b-256 hash of the given data slices,
// written in order into a single hasher.
func Sum256(data ...[]byte) []byte {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 fails only for invalid key sizes, nil key cannot fail
		panic(err)
	}
	for _, d := range data {
		hasher.Write(d)
	}
	return hasher.Sum(nil)
}
