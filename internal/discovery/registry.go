package discovery

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/riftlink/riftlink/internal/peer"
	"github.com/riftlink/riftlink/pkg/logging"
)

// Registry is an in-process provider table mapping infohashes to the
// peers that announced them.
type Registry struct {
	nodeID    string
	providers map[string]map[string]peer.Endpoint
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		nodeID:    uuid.New().String(),
		providers: make(map[string]map[string]peer.Endpoint),
	}
}

// NodeID returns the identity of this registry instance.
func (r *Registry) NodeID() string {
	return r.nodeID
}

// Register records an endpoint as a provider for an infohash.
func (r *Registry) Register(infohash string, ep peer.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.providers[infohash]
	if !ok {
		set = make(map[string]peer.Endpoint)
		r.providers[infohash] = set
	}
	set[ep.String()] = ep
}

// Unregister removes an endpoint as a provider for an infohash.
func (r *Registry) Unregister(infohash string, ep peer.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.providers[infohash]; ok {
		delete(set, ep.String())
		if len(set) == 0 {
			delete(r.providers, infohash)
		}
	}
}

// Lookup returns all providers registered for an infohash.
func (r *Registry) Lookup(infohash string) []peer.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.providers[infohash]
	peers := make([]peer.Endpoint, 0, len(set))
	for _, ep := range set {
		peers = append(peers, ep)
	}
	return peers
}

// Node binds a registry to the endpoint of the local upload server,
// implementing Service for a single-host deployment.
type Node struct {
	registry *Registry
	self     peer.Endpoint
}

func NewNode(registry *Registry, self peer.Endpoint) *Node {
	return &Node{registry: registry, self: self}
}

func (n *Node) Announce(ctx context.Context, infohash string) error {
	n.registry.Register(infohash, n.self)
	logging.Log.Debugf("Announced infohash %s at %s", infohash, n.self)
	return nil
}

func (n *Node) FindPeers(ctx context.Context, infohash string) ([]peer.Endpoint, error) {
	return n.registry.Lookup(infohash), nil
}
