// Package securestream provides the encrypted byte-stream transport the
// core consumes: a dialer producing encrypted client connections and a
// listener yielding encrypted inbound connections.
//
// Each connection performs an ephemeral X25519 key exchange, splits the
// shared secret into per-direction keys with HKDF-SHA256, and frames all
// traffic as length-prefixed ChaCha20-Poly1305 records with incrementing
// nonces. Read returns io.EOF once the underlying connection closes, so
// EOF-delimited application protocols work unchanged.
package securestream

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = chacha20poly1305.NonceSize
	// maxFrameSize caps the plaintext carried by a single encrypted frame.
	maxFrameSize = 16 * 1024

	hkdfInfo = "riftlink-secure-stream"
)

// Dialer opens an encrypted client stream to a peer's upload server.
type Dialer interface {
	Dial(host string, port int) (net.Conn, error)
}

// Conn wraps a net.Conn with ChaCha20-Poly1305 AEAD encryption. It
// handles framing, encryption, and buffering of partial reads.
type Conn struct {
	net.Conn
	enc      cipher.AEAD
	dec      cipher.AEAD
	encNonce []byte
	decNonce []byte
	leftover []byte
	writeMu  sync.Mutex
	readMu   sync.Mutex

	handshakeOnce sync.Once
	handshake     func() error
	handshakeErr  error
}

// incrementNonce bumps the nonce by 1 in little-endian order so each
// frame uses a unique nonce.
func incrementNonce(nonce []byte) {
	for i := 0; i < len(nonce); i++ {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}

func (c *Conn) ensureHandshake() error {
	c.handshakeOnce.Do(func() {
		if c.handshake != nil {
			c.handshakeErr = c.handshake()
		}
	})
	return c.handshakeErr
}

// Write encrypts data and sends it with length-prefix framing:
// [4-byte ciphertext length][ciphertext with auth tag].
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	totalWritten := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameSize {
			chunk = p[:maxFrameSize]
		}
		p = p[len(chunk):]

		ciphertext := c.enc.Seal(nil, c.encNonce, chunk, nil)
		incrementNonce(c.encNonce)

		frameLen := uint32(len(ciphertext))
		if err := binary.Write(c.Conn, binary.BigEndian, frameLen); err != nil {
			return totalWritten, fmt.Errorf("failed to write frame length: %w", err)
		}
		if _, err := c.Conn.Write(ciphertext); err != nil {
			return totalWritten, fmt.Errorf("failed to write ciphertext: %w", err)
		}
		totalWritten += len(chunk)
	}
	return totalWritten, nil
}

// Read decrypts the next frame, buffering leftover plaintext for
// subsequent calls.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	var frameLen uint32
	if err := binary.Read(c.Conn, binary.BigEndian, &frameLen); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, fmt.Errorf("failed to read frame length: %w", err)
	}

	if frameLen > maxFrameSize+uint32(c.dec.Overhead()) {
		c.Conn.Close()
		return 0, errors.New("frame too large")
	}

	ciphertext := make([]byte, frameLen)
	if _, err := io.ReadFull(c.Conn, ciphertext); err != nil {
		return 0, fmt.Errorf("failed to read ciphertext: %w", err)
	}

	plaintext, err := c.dec.Open(nil, c.decNonce, ciphertext, nil)
	if err != nil {
		// Auth failure means tampered data; drop the connection.
		c.Conn.Close()
		return 0, fmt.Errorf("decryption failed: %w", err)
	}
	incrementNonce(c.decNonce)

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.leftover = plaintext[n:]
	}
	return n, nil
}

// handshake performs the X25519 key exchange and installs the AEAD
// ciphers. The initiator (dialer) sends its public key first; the
// acceptor receives first. This prevents a deadlock where both sides
// wait to receive.
func (c *Conn) runHandshake(initiator bool) error {
	var privKey [32]byte
	if _, err := rand.Read(privKey[:]); err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	pubKey, err := curve25519.X25519(privKey[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to compute public key: %w", err)
	}

	peerPubKey := make([]byte, 32)
	if initiator {
		if _, err := c.Conn.Write(pubKey); err != nil {
			return fmt.Errorf("failed to send public key: %w", err)
		}
		if _, err := io.ReadFull(c.Conn, peerPubKey); err != nil {
			return fmt.Errorf("failed to receive peer public key: %w", err)
		}
	} else {
		if _, err := io.ReadFull(c.Conn, peerPubKey); err != nil {
			return fmt.Errorf("failed to receive peer public key: %w", err)
		}
		if _, err := c.Conn.Write(pubKey); err != nil {
			return fmt.Errorf("failed to send public key: %w", err)
		}
	}

	sharedSecret, err := curve25519.X25519(privKey[:], peerPubKey)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}

	// Separate keys per direction: the initiator writes with the first 32
	// bytes and reads with the second, the acceptor the reverse.
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	keyMaterial := make([]byte, 64)
	if _, err := io.ReadFull(hkdfReader, keyMaterial); err != nil {
		return fmt.Errorf("failed to derive keys: %w", err)
	}

	var writeKey, readKey []byte
	if initiator {
		writeKey = keyMaterial[:32]
		readKey = keyMaterial[32:]
	} else {
		readKey = keyMaterial[:32]
		writeKey = keyMaterial[32:]
	}

	if c.enc, err = chacha20poly1305.New(writeKey); err != nil {
		return fmt.Errorf("failed to create encryption cipher: %w", err)
	}
	if c.dec, err = chacha20poly1305.New(readKey); err != nil {
		return fmt.Errorf("failed to create decryption cipher: %w", err)
	}
	c.encNonce = make([]byte, nonceSize)
	c.decNonce = make([]byte, nonceSize)
	return nil
}

// Client wraps an established connection as the initiating side,
// performing the handshake immediately.
func Client(conn net.Conn) (*Conn, error) {
	sc := &Conn{Conn: conn}
	if err := sc.runHandshake(true); err != nil {
		conn.Close()
		return nil, err
	}
	return sc, nil
}

// Server wraps an accepted connection. The handshake is deferred to the
// first Read or Write so that a slow client cannot stall the accept loop.
func Server(conn net.Conn) *Conn {
	sc := &Conn{Conn: conn}
	sc.handshake = func() error {
		return sc.runHandshake(false)
	}
	return sc
}

// TCPDialer dials raw TCP and upgrades the connection to an encrypted
// stream.
type TCPDialer struct {
	Timeout time.Duration
}

func (d TCPDialer) Dial(host string, port int) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}
	return Client(conn)
}

type listener struct {
	net.Listener
}

func (l listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Server(conn), nil
}

// Listen opens a TCP listener whose Accept yields encrypted connections.
func Listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}
	return listener{ln}, nil
}
