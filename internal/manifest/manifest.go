// Package manifest defines the metadata describing a shared file and its
// canonical wire encoding.
//
// The canonical encoding is compact JSON with the fixed field order
// filename, totalSize, chunkSize, chunkHashes, base-10 integers and no
// HTML escaping. The infohash of a manifest is the SHA-256 digest of
// exactly these bytes, so the encoding must never change once content
// has been announced.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/riftlink/riftlink/internal/hashing"
)

const (
	// DefaultChunkSize is the chunk size used for newly shared files (1 MiB).
	DefaultChunkSize = 1 * 1024 * 1024

	// MetadataExtension is the file extension for persisted manifest files.
	MetadataExtension = ".rift"

	// MetadataMarker is the request line that distinguishes a metadata
	// request from a chunk request on the wire.
	MetadataMarker = "GET_RIFT"

	// DefaultPort is the default port the upload server listens on.
	DefaultPort = 4001
)

// Manifest describes a shared file: its name, size, chunk size, and the
// ordered content hashes of its chunks. A manifest is created once when a
// file is offered for sharing and never mutated afterwards.
type Manifest struct {
	Name        string   `json:"filename"`
	TotalSize   int64    `json:"totalSize"`
	ChunkSize   int64    `json:"chunkSize"`
	ChunkHashes []string `json:"chunkHashes"`
}

// NumChunks returns the number of chunks the file is split into.
func (m *Manifest) NumChunks() int {
	return len(m.ChunkHashes)
}

// ChunkSpan returns the byte offset and length of chunk i in the source
// file. The last chunk may be shorter than ChunkSize.
func (m *Manifest) ChunkSpan(i int) (offset, length int64) {
	offset = int64(i) * m.ChunkSize
	length = m.ChunkSize
	if remaining := m.TotalSize - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

// Validate checks the structural invariants of the manifest.
func (m *Manifest) Validate() error {
	if m.TotalSize < 0 {
		return fmt.Errorf("negative total size: %d", m.TotalSize)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size: %d", m.ChunkSize)
	}
	want := int((m.TotalSize + m.ChunkSize - 1) / m.ChunkSize)
	if len(m.ChunkHashes) != want {
		return fmt.Errorf("chunk count mismatch: have %d hashes, want %d", len(m.ChunkHashes), want)
	}
	for i, h := range m.ChunkHashes {
		if len(h) != hashing.DigestLength {
			return fmt.Errorf("chunk %d: malformed hash %q", i, h)
		}
	}
	return nil
}

// Encode returns the canonical encoding of the manifest. A zero-chunk
// manifest always encodes its hash list as [], never null, so that the
// infohash of an empty file is stable.
func (m *Manifest) Encode() ([]byte, error) {
	cm := *m
	if cm.ChunkHashes == nil {
		cm.ChunkHashes = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&cm); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	// json.Encoder appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a canonical manifest encoding and validates it.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// InfoHash returns the content identifier of the manifest: the SHA-256
// digest of its canonical encoding.
func (m *Manifest) InfoHash() (string, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	return hashing.Sum(data), nil
}
