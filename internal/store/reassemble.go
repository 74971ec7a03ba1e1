package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/pkg/logging"
)

// Reassemble writes chunk blobs 0..N-1 for the given download, in order,
// into a single output file named after the manifest in the downloads
// directory. It writes to a temporary file and renames it into place on
// success, so a missing chunk or a crash never leaves a partial file at
// the final path.
func (s *Store) Reassemble(m *manifest.Manifest, infohash string) error {
	finalPath := filepath.Join(s.downloadsDir, m.Name)
	logging.Log.Infof("Reassembling file: %s", finalPath)

	tmp, err := os.CreateTemp(s.downloadsDir, m.Name+".partial-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary output file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	for i := 0; i < m.NumChunks(); i++ {
		data, err := s.ReadBlob(infohash, i)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("missing chunk %d for file %s", i, m.Name)
			}
			return fmt.Errorf("failed to read chunk blob %d: %w", i, err)
		}
		if _, err := tmp.Write(data); err != nil {
			return fmt.Errorf("failed to write chunk %d to output file: %w", i, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("failed to move output file into place: %w", err)
	}

	logging.Log.Infof("File reassembled successfully: %s", finalPath)
	return nil
}
