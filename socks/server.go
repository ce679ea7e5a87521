// Package socks implements the minimal SOCKS5 front-end that feeds local
// TCP connections into tunnel entries. Only the no-auth method and the
// CONNECT command are supported.
package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/luckypoem/bit-tunnel/logging"
	"github.com/luckypoem/bit-tunnel/tunnel"
)

const socksVersion = 0x05

// SOCKS5 reply codes
const (
	replySucceeded       = 0x00
	replyGeneralFailure  = 0x01
	replyHostUnreachable = 0x04
	replyCommandNotSupp  = 0x07
	replyAddrTypeNotSupp = 0x08
)

// Server accepts SOCKS5 clients and proxies each CONNECT through a fresh
// tunnel entry. Entries are spread over the configured tunnels round-robin.
type Server struct {
	listenAddr string
	tunnels    []*tunnel.Tunnel
	next       atomic.Uint32
	logger     logging.Logger
}

// NewServer creates a SOCKS5 server fronting the given tunnels.
func NewServer(listenAddr string, tunnels []*tunnel.Tunnel, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		listenAddr: listenAddr,
		tunnels:    tunnels,
		logger:     logger,
	}
}

// ListenAndServe listens on the configured address and serves forever.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer ln.Close()

	s.logger.Info(fmt.Sprintf("socks5 listening on %s", s.listenAddr))
	return s.Serve(ln)
}

// Serve accepts connections from ln until it fails.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// pickTunnel spreads entries over the tunnels round-robin.
func (s *Server) pickTunnel() *tunnel.Tunnel {
	n := s.next.Add(1)
	return s.tunnels[int(n-1)%len(s.tunnels)]
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		s.logger.Debug(fmt.Sprintf("socks5 handshake failed: %v", err))
		return
	}

	req, err := s.readRequest(conn)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("socks5 request failed: %v", err))
		return
	}

	entry := s.pickTunnel().OpenEntry()
	defer entry.Close()

	if req.domain != "" {
		entry.ConnectDomainName([]byte(req.domain), req.port)
	} else {
		entry.ConnectAddress(req.rawAddr)
	}

	// The first inbound event decides the reply: anything but ConnectOk
	// means the upstream connection failed.
	msg := entry.Read()
	if msg.Kind != tunnel.EntryConnectOk {
		s.reply(conn, replyHostUnreachable)
		return
	}
	if err := s.reply(conn, replySucceeded); err != nil {
		return
	}

	s.pump(conn, entry)
}

// handshake negotiates the no-auth method.
func (s *Server) handshake(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("unsupported version %d", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	// 0x00: no authentication required
	if _, err := conn.Write([]byte{socksVersion, 0x00}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

type request struct {
	domain  string // set for ATYP domain
	rawAddr []byte // addr bytes + port, u16 BE; set for ATYP IPv4/IPv6
	port    uint16
}

// readRequest parses the CONNECT request. IPv4/IPv6 targets keep the raw
// address bytes with the port appended, the encoding the tunnel server
// expects for connect-by-address.
func (s *Server) readRequest(conn net.Conn) (*request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != socksVersion {
		return nil, fmt.Errorf("unsupported version %d", hdr[0])
	}
	if hdr[1] != 0x01 { // CONNECT
		s.reply(conn, replyCommandNotSupp)
		return nil, fmt.Errorf("unsupported command %d", hdr[1])
	}

	var req request
	switch hdr[3] {
	case 0x01: // IPv4
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, fmt.Errorf("read ipv4 target: %w", err)
		}
		req.rawAddr = buf
		req.port = binary.BigEndian.Uint16(buf[4:])

	case 0x03: // domain name
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return nil, fmt.Errorf("read domain length: %w", err)
		}
		buf := make([]byte, int(n[0])+2)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, fmt.Errorf("read domain target: %w", err)
		}
		req.domain = string(buf[:n[0]])
		req.port = binary.BigEndian.Uint16(buf[n[0]:])

	case 0x04: // IPv6
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, fmt.Errorf("read ipv6 target: %w", err)
		}
		req.rawAddr = buf
		req.port = binary.BigEndian.Uint16(buf[16:])

	default:
		s.reply(conn, replyAddrTypeNotSupp)
		return nil, fmt.Errorf("unsupported address type %d", hdr[3])
	}

	return &req, nil
}

func (s *Server) reply(conn net.Conn, code byte) error {
	// bind address is not meaningful for a tunneled connect
	_, err := conn.Write([]byte{socksVersion, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err
}

// pump moves bytes both ways until the entry closes. Client EOF becomes a
// tunnel half-close; a server Eof half-closes the client socket.
func (s *Server) pump(conn net.Conn, entry *tunnel.Entry) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				entry.Write(data)
			}
			if err == io.EOF {
				entry.EOF()
				return
			}
			if err != nil {
				entry.Close()
				return
			}
		}
	}()

	for {
		msg := entry.Read()
		switch msg.Kind {
		case tunnel.EntryData:
			if _, err := conn.Write(msg.Buf); err != nil {
				return
			}
		case tunnel.EntryEof:
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.CloseWrite()
			}
		case tunnel.EntryClose:
			return
		}
	}
}
