// Package checksum computes the BLAKE3 digests exchanged between the upload
// client, the chunk stores and the finalizer. Chunk and file digests are keyed
// with different domain keys so the same bytes never collide across the two.
package checksum

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

type domainKey [32]byte

// ASCII domain names, zero padded to the BLAKE3 key size.
var (
	chunkDomainKey = domainKey{
		'l', 'e', 'a', 'r', 'n', 'h', 'u', 'b', '.', 'u', 'p', 'l', 'o', 'a', 'd', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	fileDomainKey = domainKey{
		'l', 'e', 'a', 'r', 'n', 'h', 'u', 'b', '.', 'u', 'p', 'l', 'o', 'a', 'd', '.',
		'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// Chunk returns the hex encoded chunk-domain digest of data.
func Chunk(data []byte) string {
	sum := ChunkSum(data)
	return hex.EncodeToString(sum[:])
}

// ChunkSum returns the raw chunk-domain digest of data.
func ChunkSum(data []byte) [Size]byte {
	return keyedSum(chunkDomainKey, data)
}

// File returns the hex encoded file-domain digest of an assembled artifact.
func File(data []byte) string {
	sum := keyedSum(fileDomainKey, data)
	return hex.EncodeToString(sum[:])
}

// NewFile returns a streaming hasher in the file domain. Sum output is raw;
// encode it with hex to compare against File.
func NewFile() hash.Hash {
	return newKeyed(fileDomainKey)
}

// FileReader streams r through the file-domain hasher.
func FileReader(r io.Reader) (string, int64, error) {
	hasher := newKeyed(fileDomainKey)
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Valid reports whether s looks like a hex encoded digest.
func Valid(s string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	return err == nil && len(decoded) == Size
}

func keyedSum(key domainKey, data []byte) [Size]byte {
	hasher := newKeyed(key)
	_, _ = hasher.Write(data)
	var out [Size]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

func newKeyed(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("checksum: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
