package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20"
)

// ObfsConn applies a ChaCha20 keystream to both directions of a conn. Each
// side generates a random nonce and sends it before any data, so the two
// directions run independent keystreams off the same shared key. This is
// traffic obfuscation, not authenticated encryption; admission control
// stays with the protocol's verification prefix.
type ObfsConn struct {
	net.Conn
	enc *chacha20.Cipher
	dec *chacha20.Cipher
}

// NewObfsConn wraps conn using a key derived from secret. It writes the
// local nonce and blocks reading the peer's, so both ends must wrap
// before exchanging data.
func NewObfsConn(conn net.Conn, secret string) (*ObfsConn, error) {
	key := sha256.Sum256([]byte(secret))

	var localNonce [chacha20.NonceSize]byte
	if _, err := rand.Read(localNonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	if _, err := conn.Write(localNonce[:]); err != nil {
		return nil, fmt.Errorf("write nonce: %w", err)
	}

	var peerNonce [chacha20.NonceSize]byte
	if _, err := io.ReadFull(conn, peerNonce[:]); err != nil {
		return nil, fmt.Errorf("read peer nonce: %w", err)
	}

	enc, err := chacha20.NewUnauthenticatedCipher(key[:], localNonce[:])
	if err != nil {
		return nil, err
	}
	dec, err := chacha20.NewUnauthenticatedCipher(key[:], peerNonce[:])
	if err != nil {
		return nil, err
	}

	return &ObfsConn{Conn: conn, enc: enc, dec: dec}, nil
}

func (c *ObfsConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.dec.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *ObfsConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.enc.XORKeyStream(buf, p)
	return c.Conn.Write(buf)
}

// ObfsDialer wraps another dialer's connections with the obfuscation
// layer.
type ObfsDialer struct {
	Next   Dialer
	Secret string
}

func (d *ObfsDialer) Dial(addr string) (net.Conn, error) {
	conn, err := d.Next.Dial(addr)
	if err != nil {
		return nil, err
	}
	oc, err := NewObfsConn(conn, d.Secret)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return oc, nil
}
