// Package protocol defines the framed wire protocol shared by the tunnel
// client and the tunnel server. All integers on the wire are big-endian
// unsigned; lengths count the bytes of the payload that follows.
package protocol

import "encoding/binary"

// 协议常量
const (
	// HeartbeatIntervalMS is the keepalive period of an idle tunnel.
	HeartbeatIntervalMS = 5000

	// AliveTimeoutMS is the declared liveness window. The client records
	// the last time it heard from the server but does not currently
	// enforce this timeout.
	AliveTimeoutMS = 60000
)

// VerifyData is the fixed admission prefix the client writes on every new
// transport connection. The server drops connections that do not start
// with these bytes.
var VerifyData = [8]byte{0xF0, 0xEF, 0x0E, 0x02, 0xAE, 0xBC, 0x8C, 0xDA}

// Client → server opcodes.
const (
	CsHeartbeat uint8 = iota + 1
	CsEntryOpen
	CsEntryClose
	CsConnect
	CsConnectDomainName
	CsEof
	CsData
)

// Server → client opcodes.
const (
	ScHeartbeat uint8 = iota + 1
	ScEntryClose
	ScEof
	ScConnectOk
	ScData
)

// packID packs an opcode followed by an entry id.
func packID(op uint8, id uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:], id)
	return buf
}

// packPayload packs an opcode, entry id and length-prefixed payload.
func packPayload(op uint8, id uint32, data []byte) []byte {
	buf := make([]byte, 9+len(data))
	buf[0] = op
	binary.BigEndian.PutUint32(buf[1:5], id)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(data)))
	copy(buf[9:], data)
	return buf
}

// PackCsHeartbeat 打包客户端心跳帧
func PackCsHeartbeat() []byte { return []byte{CsHeartbeat} }

// PackCsEntryOpen registers a logical stream with the server.
func PackCsEntryOpen(id uint32) []byte { return packID(CsEntryOpen, id) }

// PackCsEntryClose terminates a logical stream.
func PackCsEntryClose(id uint32) []byte { return packID(CsEntryClose, id) }

// PackCsConnect requests a connection by raw address bytes. The address
// encoding is agreed with the server, not interpreted by the client.
func PackCsConnect(id uint32, addr []byte) []byte {
	return packPayload(CsConnect, id, addr)
}

// PackCsConnectDomainName requests a connection by domain name. The port
// follows the length-prefixed name.
func PackCsConnectDomainName(id uint32, name []byte, port uint16) []byte {
	buf := make([]byte, 9+len(name)+2)
	buf[0] = CsConnectDomainName
	binary.BigEndian.PutUint32(buf[1:5], id)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(name)))
	copy(buf[9:], name)
	binary.BigEndian.PutUint16(buf[9+len(name):], port)
	return buf
}

// PackCsEof half-closes a stream: no further client data will follow.
func PackCsEof(id uint32) []byte { return packID(CsEof, id) }

// PackCsData forwards bytes for a stream.
func PackCsData(id uint32, data []byte) []byte {
	return packPayload(CsData, id, data)
}

// PackScHeartbeat 打包服务端心跳帧
func PackScHeartbeat() []byte { return []byte{ScHeartbeat} }

// PackScEntryClose notifies the client that the remote side terminated a
// stream.
func PackScEntryClose(id uint32) []byte { return packID(ScEntryClose, id) }

// PackScEof half-closes a stream from the server side.
func PackScEof(id uint32) []byte { return packID(ScEof, id) }

// PackScConnectOk reports a successful upstream connection, carrying the
// bound address as opaque bytes.
func PackScConnectOk(id uint32, boundAddr []byte) []byte {
	return packPayload(ScConnectOk, id, boundAddr)
}

// PackScData forwards bytes for a stream toward the client.
func PackScData(id uint32, data []byte) []byte {
	return packPayload(ScData, id, data)
}
