// Package store implements the content store: manifest creation and
// persistence, random-access chunk reads from shared files, chunk blob
// storage for in-flight downloads, and reassembly of completed files.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/riftlink/riftlink/internal/hashing"
	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/pkg/logging"
)

var (
	// ErrNotFound is returned when no manifest is persisted for an infohash.
	ErrNotFound = errors.New("manifest not found")
	// ErrNotShared is returned when no shared file exists for a name.
	ErrNotShared = errors.New("file is not shared")
)

// Options controls store behavior.
type Options struct {
	// ChunkSize used when creating manifests. Zero means the protocol
	// default of 1 MiB.
	ChunkSize int64
	// CompressBlobs enables LZ4 compression of downloaded chunk blobs at
	// rest. Wire bytes and hash verification are unaffected.
	CompressBlobs bool
}

// Store manages shared files, persisted manifests, and chunk blobs.
type Store struct {
	sharedDir    string
	downloadsDir string
	index        *Index
	chunkSize    int64
	compress     bool
}

// NewStore creates a store rooted at the given directories, creating them
// if necessary. The index may be nil when enumeration is not needed (e.g.
// in a pure download client).
func NewStore(sharedDir, downloadsDir string, index *Index, opts Options) (*Store, error) {
	if err := os.MkdirAll(sharedDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shared directory: %w", err)
	}
	if err := os.MkdirAll(downloadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create downloads directory: %w", err)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = manifest.DefaultChunkSize
	}
	return &Store{
		sharedDir:    sharedDir,
		downloadsDir: downloadsDir,
		index:        index,
		chunkSize:    chunkSize,
		compress:     opts.CompressBlobs,
	}, nil
}

// DownloadsDir returns the directory completed downloads are written to.
func (s *Store) DownloadsDir() string {
	return s.downloadsDir
}

// CreateManifest splits the file at path into fixed-size chunks, hashes
// each chunk in order, persists the resulting manifest keyed by its
// infohash, and records it in the index. The file is copied into the
// shared directory if it does not already live there, so that ReadChunk
// can serve it later.
func (s *Store) CreateManifest(path string) (*manifest.Manifest, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat file: %v", err)
	}

	chunkHashes := []string{}
	buf := make([]byte, s.chunkSize)
	for {
		n, err := io.ReadFull(file, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, "", fmt.Errorf("failed to read chunk: %v", err)
		}
		if n == 0 {
			break
		}
		chunkHashes = append(chunkHashes, hashing.Sum(buf[:n]))
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	m := &manifest.Manifest{
		Name:        fileInfo.Name(),
		TotalSize:   fileInfo.Size(),
		ChunkSize:   s.chunkSize,
		ChunkHashes: chunkHashes,
	}

	if err := s.importSharedFile(path, m.Name); err != nil {
		return nil, "", err
	}

	infohash, err := s.SaveManifest(m)
	if err != nil {
		return nil, "", err
	}

	if s.index != nil {
		rec := NewSharedFile(m.Name, infohash, m.TotalSize, m.NumChunks())
		if err := s.index.Put(rec); err != nil {
			return nil, "", fmt.Errorf("failed to index shared file: %w", err)
		}
	}

	logging.Log.WithField("file", m.Name).Infof("Created manifest with %d chunks, infohash %s", m.NumChunks(), infohash)
	return m, infohash, nil
}

// importSharedFile copies a source file into the shared directory unless
// it is already there.
func (s *Store) importSharedFile(path, name string) error {
	dst := filepath.Join(s.sharedDir, name)
	srcAbs, err1 := filepath.Abs(path)
	dstAbs, err2 := filepath.Abs(dst)
	if err1 == nil && err2 == nil && srcAbs == dstAbs {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create shared copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("failed to copy into shared directory: %w", err)
	}
	return nil
}

// ReadChunk reads the byte span for the given chunk index directly from
// the original shared file. The store does not re-validate that the file
// is unchanged since the manifest was created.
func (s *Store) ReadChunk(m *manifest.Manifest, index int) ([]byte, error) {
	if index < 0 || index >= m.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, m.NumChunks())
	}

	path := filepath.Join(s.sharedDir, m.Name)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("original file not found in shared directory: %s: %w", m.Name, err)
	}
	defer file.Close()

	offset, length := m.ChunkSpan(index)
	data := make([]byte, length)
	n, err := file.ReadAt(data, offset)
	if err != nil && !(err == io.EOF && n == len(data)) {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	return data, nil
}

// SaveManifest persists the canonical encoding of m as
// <infohash>.rift in the shared directory and returns the infohash.
func (s *Store) SaveManifest(m *manifest.Manifest) (string, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}
	infohash := hashing.Sum(data)
	path := filepath.Join(s.sharedDir, infohash+manifest.MetadataExtension)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write manifest file: %w", err)
	}
	return infohash, nil
}

// LoadManifest loads and decodes the persisted manifest for an infohash.
// Returns ErrNotFound when no manifest file exists.
func (s *Store) LoadManifest(infohash string) (*manifest.Manifest, error) {
	path := filepath.Join(s.sharedDir, infohash+manifest.MetadataExtension)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return manifest.Decode(data)
}

// ManifestBytes returns the raw canonical encoding persisted for an
// infohash, exactly as it must appear on the wire.
func (s *Store) ManifestBytes(infohash string) ([]byte, error) {
	path := filepath.Join(s.sharedDir, infohash+manifest.MetadataExtension)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return data, nil
}

// List returns all shared files recorded in the index.
func (s *Store) List() ([]SharedFile, error) {
	if s.index == nil {
		return nil, nil
	}
	return s.index.List()
}

// FindByName looks up a shared file record by display name.
func (s *Store) FindByName(name string) (SharedFile, error) {
	if s.index == nil {
		return SharedFile{}, ErrNotShared
	}
	return s.index.GetByName(name)
}

// Remove stops sharing a file: it deletes the index record, the persisted
// manifest, and the original file from the shared directory.
func (s *Store) Remove(name string) error {
	rec, err := s.FindByName(name)
	if err != nil {
		return err
	}
	if err := s.index.Delete(name); err != nil {
		return fmt.Errorf("failed to delete index record: %w", err)
	}
	riftPath := filepath.Join(s.sharedDir, rec.InfoHash+manifest.MetadataExtension)
	if err := os.Remove(riftPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest file: %w", err)
	}
	filePath := filepath.Join(s.sharedDir, name)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove shared file: %w", err)
	}
	logging.Log.Infof("Stopped sharing %s (infohash %s)", name, rec.InfoHash)
	return nil
}
