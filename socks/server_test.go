package socks

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckypoem/bit-tunnel/logging"
	"github.com/luckypoem/bit-tunnel/protocol"
	"github.com/luckypoem/bit-tunnel/tunnel"
)

// startTunnelServer runs a fake tunnel server. In echo mode every entry
// "connects" immediately and data is echoed back; a client half-close is
// answered with Eof followed by EntryClose. In refuse mode connect
// requests are answered with EntryClose.
func startTunnelServer(t *testing.T, refuse bool) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTunnelConn(conn, refuse)
		}
	}()
	return ln.Addr().String()
}

func serveTunnelConn(conn net.Conn, refuse bool) {
	defer conn.Close()

	verify := make([]byte, len(protocol.VerifyData))
	if _, err := io.ReadFull(conn, verify); err != nil {
		return
	}

	var op [1]byte
	var num [4]byte
	for {
		if _, err := io.ReadFull(conn, op[:]); err != nil {
			return
		}
		if op[0] == protocol.CsHeartbeat {
			continue
		}
		if _, err := io.ReadFull(conn, num[:]); err != nil {
			return
		}
		id := binary.BigEndian.Uint32(num[:])

		switch op[0] {
		case protocol.CsEntryOpen, protocol.CsEntryClose:
			// no upstream bookkeeping needed

		case protocol.CsEof:
			conn.Write(protocol.PackScEof(id))
			conn.Write(protocol.PackScEntryClose(id))

		case protocol.CsConnect, protocol.CsData, protocol.CsConnectDomainName:
			if _, err := io.ReadFull(conn, num[:]); err != nil {
				return
			}
			payload := make([]byte, binary.BigEndian.Uint32(num[:]))
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			if op[0] == protocol.CsConnectDomainName {
				var port [2]byte
				if _, err := io.ReadFull(conn, port[:]); err != nil {
					return
				}
			}

			switch op[0] {
			case protocol.CsData:
				conn.Write(protocol.PackScData(id, payload))
			default: // a connect request
				if refuse {
					conn.Write(protocol.PackScEntryClose(id))
				} else {
					conn.Write(protocol.PackScConnectOk(id, []byte("1.2.3.4:80")))
				}
			}

		default:
			return
		}
	}
}

func startSOCKSServer(t *testing.T, tunnelAddr string) string {
	t.Helper()

	tun := tunnel.New(&tunnel.Config{
		TunnelID:          1,
		ServerAddr:        tunnelAddr,
		Logger:            logging.NopLogger{},
		HeartbeatInterval: time.Hour,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := NewServer(ln.Addr().String(), []*tunnel.Tunnel{tun}, logging.NopLogger{})
	go srv.Serve(ln)
	return ln.Addr().String()
}

func socksDial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// greeting: version 5, one method, no auth
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	var sel [2]byte
	_, err = io.ReadFull(conn, sel[:])
	require.NoError(t, err)
	require.Equal(t, byte(0x05), sel[0])
	require.Equal(t, byte(0x00), sel[1])
	return conn
}

func readReply(t *testing.T, conn net.Conn) byte {
	t.Helper()
	var reply [10]byte
	_, err := io.ReadFull(conn, reply[:])
	require.NoError(t, err)
	require.Equal(t, byte(0x05), reply[0])
	return reply[1]
}

func TestConnectDomainEcho(t *testing.T) {
	tunnelAddr := startTunnelServer(t, false)
	socksAddr := startSOCKSServer(t, tunnelAddr)

	conn := socksDial(t, socksAddr)

	// CONNECT echo.local:7 by domain name
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("echo.local"))}
	req = append(req, []byte("echo.local")...)
	req = append(req, 0x00, 0x07)
	_, err := conn.Write(req)
	require.NoError(t, err)

	assert.Equal(t, byte(replySucceeded), readReply(t, conn))

	msg := []byte("hello through the tunnel")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	echo := make([]byte, len(msg))
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, msg, echo)

	// Half-close propagates: the server answers with Eof + EntryClose
	// and the local socket drains to EOF.
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestConnectIPv4(t *testing.T) {
	tunnelAddr := startTunnelServer(t, false)
	socksAddr := startSOCKSServer(t, tunnelAddr)

	conn := socksDial(t, socksAddr)

	// CONNECT 1.2.3.4:80 by address
	_, err := conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})
	require.NoError(t, err)

	assert.Equal(t, byte(replySucceeded), readReply(t, conn))
}

func TestConnectRefused(t *testing.T) {
	tunnelAddr := startTunnelServer(t, true)
	socksAddr := startSOCKSServer(t, tunnelAddr)

	conn := socksDial(t, socksAddr)

	_, err := conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x1F, 0x90})
	require.NoError(t, err)

	assert.Equal(t, byte(replyHostUnreachable), readReply(t, conn))
}

func TestUnsupportedCommand(t *testing.T) {
	tunnelAddr := startTunnelServer(t, false)
	socksAddr := startSOCKSServer(t, tunnelAddr)

	conn := socksDial(t, socksAddr)

	// BIND is not supported
	_, err := conn.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)

	assert.Equal(t, byte(replyCommandNotSupp), readReply(t, conn))
}

func TestRoundRobinSpreadsEntries(t *testing.T) {
	tunnelAddr := startTunnelServer(t, false)

	a := tunnel.New(&tunnel.Config{TunnelID: 1, ServerAddr: tunnelAddr, Logger: logging.NopLogger{}, HeartbeatInterval: time.Hour})
	b := tunnel.New(&tunnel.Config{TunnelID: 2, ServerAddr: tunnelAddr, Logger: logging.NopLogger{}, HeartbeatInterval: time.Hour})

	srv := NewServer("", []*tunnel.Tunnel{a, b}, logging.NopLogger{})
	assert.Same(t, a, srv.pickTunnel())
	assert.Same(t, b, srv.pickTunnel())
	assert.Same(t, a, srv.pickTunnel())
}
