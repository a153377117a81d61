package project

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Length of a fingerprint in hex characters.
const FingerprintLen = 16

// Hashes the manifest and lock contents together with extra discriminators
// such as the builder image and sync flags.
//
// Every input is length-prefixed so moving bytes between adjacent inputs
// changes the result.
func Fingerprint(manifest, lock []byte, extra ...string) string {
	h := xxhash.New()

	write := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(b)
	}

	write(manifest)
	write(lock)
	for _, e := range extra {
		write([]byte(e))
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
