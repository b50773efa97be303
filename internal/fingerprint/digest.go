// Package fingerprint is the content-addressing primitive of the engine.
//
// Everything the invalidation engine compares is a Digest: command trees,
// in-memory values, file contents, capability sets. Digests are computed with
// sha256 over length-prefixed fields so that concatenation ambiguity cannot
// produce collisions between distinct inputs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
)

// Digest is a stable hex-encoded sha256 content digest.
type Digest string

// String returns the hex form of the digest.
func (d Digest) String() string { return string(d) }

// Hasher accumulates length-prefixed fields into a single digest.
//
// Field framing: each field is preceded by its 8-byte big-endian length, so
// ("ab","c") and ("a","bc") hash differently.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Field appends one length-prefixed field.
func (h *Hasher) Field(data []byte) *Hasher {
	length := uint64(len(data))
	h.h.Write([]byte{
		byte(length >> 56),
		byte(length >> 48),
		byte(length >> 40),
		byte(length >> 32),
		byte(length >> 24),
		byte(length >> 16),
		byte(length >> 8),
		byte(length),
	})
	h.h.Write(data)
	return h
}

// StringField appends a string field.
func (h *Hasher) StringField(s string) *Hasher { return h.Field([]byte(s)) }

// SortedFields appends the given strings in sorted order, preceded by a count
// field so an empty set is distinguishable from an absent one. The count uses
// the same 8-byte big-endian framing as Field, so no two set sizes share a
// prefix.
func (h *Hasher) SortedFields(ss []string) *Hasher {
	sorted := make([]string, len(ss))
	copy(sorted, ss)
	sort.Strings(sorted)
	count := uint64(len(sorted))
	h.Field([]byte{
		byte(count >> 56),
		byte(count >> 48),
		byte(count >> 40),
		byte(count >> 32),
		byte(count >> 24),
		byte(count >> 16),
		byte(count >> 8),
		byte(count),
	})
	for _, s := range sorted {
		h.StringField(s)
	}
	return h
}

// Sum finalizes the hasher into a Digest.
func (h *Hasher) Sum() Digest {
	return Digest(hex.EncodeToString(h.h.Sum(nil)))
}

// Bytes digests a single byte field.
func Bytes(data []byte) Digest {
	return NewHasher().Field(data).Sum()
}

// Value digests an in-memory value by its canonical JSON encoding.
//
// Values flowing through the engine are JSON-representable (numbers, strings,
// booleans, and lists thereof), so encoding/json is already canonical for them:
// no map key ordering is involved.
func Value(v any) (Digest, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encoding value for digest")
	}
	return Bytes(b), nil
}

// File digests the contents of a single file. Content is the ground truth;
// callers that want the mtime fast-path should go through filetarget, which
// records the mtime observed alongside the content digest.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s for digest", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}
