package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLength is the length of a hex-encoded content hash.
const DigestLength = sha256.Size * 2

// Sum returns the SHA-256 digest of data as a lowercase hex string.
// Every chunk hash and every infohash in the protocol is produced by
// this function; the algorithm is fixed for the lifetime of the protocol.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}
