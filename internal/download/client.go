package download

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/riftlink/riftlink/internal/hashing"
	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/internal/securestream"
)

// ErrManifestNotFound is returned when a peer closes a metadata request
// without writing any bytes. Zero bytes on the wire always means "not
// found", never an empty manifest.
var ErrManifestNotFound = errors.New("peer does not have the requested manifest")

// FetchManifest requests the manifest for an infohash from a peer and
// verifies that the received bytes hash to the requested identifier.
func FetchManifest(dialer securestream.Dialer, p peer.Endpoint, infohash string) (*manifest.Manifest, error) {
	conn, err := dialer.Dial(p.Host, p.Port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := request(conn, manifest.MetadataMarker, infohash)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrManifestNotFound
	}
	if hashing.Sum(data) != infohash {
		return nil, fmt.Errorf("manifest does not match infohash %s", infohash)
	}
	return manifest.Decode(data)
}

// request writes the two protocol header lines and reads the response to
// EOF. The response is framed by connection close; there is no length
// field and no status code.
func request(conn net.Conn, line1, line2 string) ([]byte, error) {
	if _, err := fmt.Fprintf(conn, "%s\n%s\n", line1, line2); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}
