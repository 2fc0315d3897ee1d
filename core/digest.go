package core

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Digest is a fixed-length content hash, the store's key type whenever the
// key is produced by upstream hashing (batch digests, header ids).
type Digest [32]byte

func (d Digest) String() string {
	return base64.StdEncoding.EncodeToString(d[:])
}

// Bytes returns the digest as a plain byte slice, the representation the
// store actually keys on.
func (d Digest) Bytes() []byte {
	return d[:]
}

// DigestFromBytes copies a byte slice into a Digest, failing if the length is
// wrong.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("digest must be %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest accepts either hex or standard base64 and returns whichever
// decoding first succeeds and yields the right length, matching the
// inspector CLI's dual-decode contract (spec.md §4.C/§6).
func ParseDigest(s string) (Digest, error) {
	if raw, err := hexDecode(s); err == nil {
		if d, err := DigestFromBytes(raw); err == nil {
			return d, nil
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		if d, err := DigestFromBytes(raw); err == nil {
			return d, nil
		}
	}
	return Digest{}, fmt.Errorf("%q is neither a valid hex nor base64 32-byte digest", s)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
