// Package hasher derives content hashes for lineage entries.
//
// The hash commits to the payload bytes, the parent hash, and the creation
// time through a fixed canonical byte layout, so recomputing it from stored
// fields always reproduces the stored value unless something was altered.
package hasher

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/soulfra/lineage/internal/domain"
)

// DigestSize is the byte length of the sha2-256 digest underlying every
// content hash; the hex form is twice this long.
const DigestSize = 32

// domainTag separates lineage hashes from any other sha2-256 use. Changing
// it invalidates every stored chain.
const domainTag = "soulfra/lineage:v1\x00"

// MaxPayloadBytes caps what a single entry may commit to. Larger blobs
// belong in external storage with their digest in the payload instead.
const MaxPayloadBytes = 1 << 20

// Compute returns the lowercase hex content hash for an entry with the given
// payload bytes, parent hash (empty for roots), and creation time.
//
// Canonical layout: domain tag, parent digest (zero digest for roots),
// created_at as big-endian unix nanoseconds, payload length as big-endian
// uint64, payload bytes. Deterministic for identical logical input.
func Compute(payload []byte, parentHash string, createdAt time.Time) (string, error) {
	if len(payload) == 0 {
		return "", &domain.EncodingError{Reason: "empty payload"}
	}
	if len(payload) > MaxPayloadBytes {
		return "", &domain.EncodingError{Reason: "payload exceeds size limit"}
	}

	var parent [DigestSize]byte
	if parentHash != "" {
		b, err := hex.DecodeString(parentHash)
		if err != nil {
			return "", &domain.EncodingError{Reason: "parent hash is not valid hex"}
		}
		if len(b) != DigestSize {
			return "", &domain.EncodingError{Reason: "parent hash has wrong length"}
		}
		copy(parent[:], b)
	}

	buf := make([]byte, 0, len(domainTag)+DigestSize+16+len(payload))
	buf = append(buf, domainTag...)
	buf = append(buf, parent[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt.UTC().UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	sum, err := multihash.Sum(buf, multihash.SHA2_256, -1)
	if err != nil {
		// Unreachable with SHA2_256 and default length.
		return "", &domain.EncodingError{Reason: err.Error()}
	}
	dec, err := multihash.Decode(sum)
	if err != nil {
		return "", &domain.EncodingError{Reason: err.Error()}
	}
	return hex.EncodeToString(dec.Digest), nil
}

// ValidHash reports whether s has the shape of a content hash: 64 lowercase
// hex characters.
func ValidHash(s string) bool {
	if len(s) != 2*DigestSize {
		return false
	}
	for _, c := range []byte(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
