// Package upload implements the server side of the chunk-transfer
// protocol: it serves manifests and chunks to any peer that knows the
// relevant infohash.
//
// The wire protocol is line-based ASCII over an encrypted stream. A
// request whose first line is GET_RIFT carries an infohash on the second
// line and is answered with the raw canonical manifest encoding. Any
// other request is a chunk request: first line infohash, second line a
// decimal chunk index, answered with the raw chunk bytes. Responses are
// framed by connection close; unknown content or malformed requests close
// the connection with zero bytes written.
package upload

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/riftlink/riftlink/internal/manifest"
	"github.com/riftlink/riftlink/internal/securestream"
	"github.com/riftlink/riftlink/internal/store"
	"github.com/riftlink/riftlink/pkg/logging"
)

// headerTimeout bounds how long a client may take to send its request
// lines before the connection is dropped.
const headerTimeout = 30 * time.Second

// ListenFunc opens the listening socket the server accepts on.
type ListenFunc func(port int) (net.Listener, error)

// Server accepts inbound peer connections and streams back manifests and
// chunks. Each connection is handled in its own goroutine so one slow
// peer cannot block others.
type Server struct {
	store    *store.Store
	listen   ListenFunc
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	conns    map[net.Conn]struct{}
}

// NewServer creates an upload server serving content from the given
// store. A nil listen func uses the default encrypted transport.
func NewServer(st *store.Store, listen ListenFunc) *Server {
	if listen == nil {
		listen = securestream.Listen
	}
	return &Server{store: st, listen: listen, conns: make(map[net.Conn]struct{})}
}

// Start binds the listening socket and begins accepting connections. It
// does not block.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("upload server already running")
	}

	ln, err := s.listen(port)
	if err != nil {
		return fmt.Errorf("failed to start upload server: %w", err)
	}
	s.listener = ln
	s.running = true

	go s.acceptLoop()

	logging.Log.Infof("Upload server listening on port %d", port)
	return nil
}

// Stop closes the listening socket and waits for outstanding handlers to
// finish, bounded by the context deadline. When the deadline expires the
// remaining connections are closed, which unblocks their handlers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.listener.Close()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Log.Info("Upload server stopped")
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	stragglers := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	logging.Log.Warnf("Upload server closed %d connections still in flight at shutdown", stragglers)

	<-done
	return ctx.Err()
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isRunning() {
				logging.Log.Errorf("Error accepting connection: %v", err)
				continue
			}
			return
		}
		s.wg.Add(1)
		s.trackConn(conn)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			s.handleConn(conn)
		}()
	}
}

// handleConn parses one request and writes at most one response. Every
// failure path simply closes the connection; the protocol has no error
// signal on the wire.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := logging.Log.WithFields(logrus.Fields{
		"conn":   uuid.New().String()[:8],
		"remote": conn.RemoteAddr().String(),
	})

	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	reader := bufio.NewReader(conn)

	first, err := readLine(reader)
	if err != nil {
		log.Debugf("Failed to read request header: %v", err)
		return
	}
	second, err := readLine(reader)
	if err != nil {
		log.Debugf("Failed to read request header: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if first == manifest.MetadataMarker {
		s.serveManifest(conn, log, second)
		return
	}
	s.serveChunk(conn, log, first, second)
}

func (s *Server) serveManifest(conn net.Conn, log *logrus.Entry, infohash string) {
	log.Debugf("Metadata request for infohash %s", infohash)

	data, err := s.store.ManifestBytes(infohash)
	if err != nil {
		log.Debugf("No manifest for infohash %s", infohash)
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.Debugf("Failed to write manifest: %v", err)
	}
}

func (s *Server) serveChunk(conn net.Conn, log *logrus.Entry, infohash, indexStr string) {
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		log.Debugf("Malformed chunk index %q", indexStr)
		return
	}
	log.Debugf("Chunk request for infohash %s chunk %d", infohash, index)

	m, err := s.store.LoadManifest(infohash)
	if err != nil {
		log.Debugf("No manifest for infohash %s", infohash)
		return
	}
	data, err := s.store.ReadChunk(m, index)
	if err != nil {
		log.Debugf("Failed to read chunk %d: %v", index, err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.Debugf("Failed to write chunk %d: %v", index, err)
		return
	}
	log.Debugf("Sent chunk %d for infohash %s", index, infohash)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
