// Package discovery defines the lookup service interface the core needs:
// announcing content by infohash and resolving an infohash to the peers
// holding it. The DHT backing a real deployment is an external
// collaborator; this package ships an in-process registry for tests and
// single-host setups.
package discovery

import (
	"context"

	"github.com/riftlink/riftlink/internal/peer"
)

// Service resolves content identifiers to peer endpoints.
type Service interface {
	// Announce publishes that the local node can serve the given infohash.
	Announce(ctx context.Context, infohash string) error
	// FindPeers returns the endpoints of peers holding the given infohash.
	// An empty result is not an error.
	FindPeers(ctx context.Context, infohash string) ([]peer.Endpoint, error)
}

// Static is a fixed peer set, used when peers are supplied out of band
// (e.g. on the command line) instead of resolved through a lookup
// service. Announce is a no-op.
type Static []peer.Endpoint

func (s Static) Announce(ctx context.Context, infohash string) error {
	return nil
}

func (s Static) FindPeers(ctx context.Context, infohash string) ([]peer.Endpoint, error) {
	return s, nil
}
