package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/riftlink/riftlink/internal/compressor"
)

// ChunkDir returns the directory partially-downloaded chunk blobs for an
// infohash are stored under.
func (s *Store) ChunkDir(infohash string) string {
	return filepath.Join(s.downloadsDir, infohash)
}

// CreateChunkDir creates the chunk directory for a download task.
func (s *Store) CreateChunkDir(infohash string) (string, error) {
	dir := s.ChunkDir(infohash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return dir, nil
}

// WriteBlob persists verified chunk bytes as chunk_<index> under the
// task's chunk directory, LZ4-compressed when the store is configured to.
func (s *Store) WriteBlob(infohash string, index int, data []byte) error {
	if s.compress {
		compressed, err := compressor.Compress(data)
		if err != nil {
			return err
		}
		data = compressed
	}
	path := filepath.Join(s.ChunkDir(infohash), blobName(index))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk blob %d: %w", index, err)
	}
	return nil
}

// ReadBlob reads a stored chunk blob back, decompressing if needed.
func (s *Store) ReadBlob(infohash string, index int) ([]byte, error) {
	path := filepath.Join(s.ChunkDir(infohash), blobName(index))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if s.compress {
		return compressor.Decompress(data)
	}
	return data, nil
}

// RemoveChunkDir deletes the chunk directory for an infohash. Used by the
// cleanup-partial policy after Cancelled or Failed tasks.
func (s *Store) RemoveChunkDir(infohash string) error {
	if infohash == "" {
		return nil
	}
	return os.RemoveAll(s.ChunkDir(infohash))
}

func blobName(index int) string {
	return fmt.Sprintf("chunk_%d", index)
}
