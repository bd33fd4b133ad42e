package tcp

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxSealedSize bounds one encrypted record.
const maxSealedSize = 2 * 1024 * 1024

// secureConn wraps a net.Conn in chacha20poly1305 records derived from a
// pre-shared key. Both sides keep independent send counters as nonces, so
// records cannot be replayed or reordered within a session.
type secureConn struct {
	net.Conn
	aead    cipher.AEAD
	sendCtr uint64
	recvCtr uint64
	recvBuf bytes.Buffer
	rmu     sync.Mutex
	wmu     sync.Mutex
}

// wrapConn derives the session cipher from key and wraps conn.
func wrapConn(conn net.Conn, key string) (net.Conn, error) {
	sum := sha256.Sum256([]byte(key))
	aead, err := chacha20poly1305.New(sum[:])
	if err != nil {
		return nil, err
	}
	return &secureConn{Conn: conn, aead: aead}, nil
}

func (s *secureConn) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.sendCtr)
	s.sendCtr++

	ct := s.aead.Seal(nil, nonce, p, nil)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ct)))
	if _, err := s.Conn.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := s.Conn.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *secureConn) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.recvBuf.Len() > 0 {
		return s.recvBuf.Read(p)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(s.Conn, hdr[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxSealedSize {
		return 0, fmt.Errorf("invalid sealed record length %d", n)
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(s.Conn, ct); err != nil {
		return 0, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.recvCtr)
	s.recvCtr++

	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return 0, fmt.Errorf("decrypt record: %w", err)
	}
	s.recvBuf.Write(pt)
	return s.recvBuf.Read(p)
}
