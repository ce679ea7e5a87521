// Package tunnel implements the client side of the bit-tunnel multiplexer:
// one long-lived framed connection to the tunnel server carrying an
// arbitrary number of concurrent logical entries, each behaving like an
// independent bidirectional byte stream.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/luckypoem/bit-tunnel/logging"
	"github.com/luckypoem/bit-tunnel/protocol"
	"github.com/luckypoem/bit-tunnel/transport"
)

const (
	// tunnelQueueSize bounds the merged caller/reader queue; producers
	// block when a burst exceeds it.
	tunnelQueueSize = 10000

	// entryQueueSize bounds each entry's inbound queue. A slow consumer
	// back-pressures the writer and, through it, the reader and all
	// callers. This is the system's only flow control.
	entryQueueSize = 999

	// dialRetryDelay is the flat backoff after a failed dial.
	dialRetryDelay = 1000 * time.Millisecond
)

// Config configures a Tunnel. Zero values fall back to the protocol
// defaults; only TunnelID and ServerAddr are required.
type Config struct {
	TunnelID   uint32
	ServerAddr string

	// Dialer establishes the transport connection. Defaults to a plain
	// TCP dialer.
	Dialer transport.Dialer

	// Logger receives the tunnel's INFO event lines. Defaults to the
	// process logger.
	Logger logging.Logger

	// HeartbeatInterval overrides protocol.HeartbeatIntervalMS.
	HeartbeatInterval time.Duration

	// TunnelQueueSize and EntryQueueSize override the queue capacities.
	TunnelQueueSize int
	EntryQueueSize  int
}

// Tunnel owns one transport connection and multiplexes entries over it.
// Its background loop runs forever, reconnecting after transport loss.
// Entries that were live across a break are closed, not replayed.
type Tunnel struct {
	id             uint32
	serverAddr     string
	dialer         transport.Dialer
	logger         logging.Logger
	heartbeat      time.Duration
	entryQueueSize int

	nextEntryID atomic.Uint32
	queue       chan tunnelMessage
}

// entryInternal is the writer-side record of a live entry. The map
// holding these is owned by the writer; no other goroutine touches it.
type entryInternal struct {
	sender chan EntryMessage
	host   string
	port   uint16
}

type entryMap map[uint32]*entryInternal

// NewTCPTunnel creates and starts a tunnel to serverAddr over plain TCP.
func NewTCPTunnel(tunnelID uint32, serverAddr string) *Tunnel {
	return New(&Config{TunnelID: tunnelID, ServerAddr: serverAddr})
}

// New creates and starts a tunnel from cfg.
func New(cfg *Config) *Tunnel {
	t := &Tunnel{
		id:             cfg.TunnelID,
		serverAddr:     cfg.ServerAddr,
		dialer:         cfg.Dialer,
		logger:         cfg.Logger,
		heartbeat:      cfg.HeartbeatInterval,
		entryQueueSize: cfg.EntryQueueSize,
	}
	if t.dialer == nil {
		t.dialer = &transport.TCPDialer{}
	}
	if t.logger == nil {
		t.logger = logging.Default()
	}
	if t.heartbeat <= 0 {
		t.heartbeat = protocol.HeartbeatIntervalMS * time.Millisecond
	}
	if t.entryQueueSize <= 0 {
		t.entryQueueSize = entryQueueSize
	}
	queueSize := cfg.TunnelQueueSize
	if queueSize <= 0 {
		queueSize = tunnelQueueSize
	}
	t.queue = make(chan tunnelMessage, queueSize)

	go t.run()
	return t
}

// OpenEntry allocates a fresh entry id and hands the engine the producer
// side of the entry's inbound queue inside the open message. Ids strictly
// increase for the tunnel's lifetime and are never reused, also across
// reconnects.
func (t *Tunnel) OpenEntry() *Entry {
	id := t.nextEntryID.Add(1)
	sender := make(chan EntryMessage, t.entryQueueSize)
	t.queue <- csEntryOpen{id: id, sender: sender}
	recordEntryOpened(t.id)
	return &Entry{id: id, tunnelCh: t.queue, inbound: sender}
}

func (t *Tunnel) run() {
	for {
		t.runSession()
	}
}

// runSession is the recovery unit: one dial, one reader, one writer.
// Any transport or protocol error ends the session; the outer loop
// starts the next one with the same queue and id counter, so entries
// opened between sessions simply queue up and are replayed as EntryOpen
// on the next transport.
func (t *Tunnel) runSession() {
	conn, err := t.dialer.Dial(t.serverAddr)
	if err != nil {
		time.Sleep(dialRetryDelay)
		return
	}

	entries := make(entryMap)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_ = t.serverStreamToTunnel(conn)
		conn.Close()
	}()

	_ = t.tunnelToServerStream(conn, entries, readerDone)
	conn.Close()
	<-readerDone

	t.logger.Info(fmt.Sprintf("Tcp tunnel %d broken", t.id))
	recordSessionBroken(t.id)

	for _, entry := range entries {
		entry.sender <- EntryMessage{Kind: EntryClose}
		close(entry.sender)
	}
	recordEntriesDropped(t.id, len(entries))
}

// serverStreamToTunnel 从server stream读数据, 向tunnel队列写消息.
// It parses frames and enqueues them; it never touches the entry map.
// An unrecognized opcode is a protocol error: the reader returns nil and
// the session is torn down through the transport shutdown.
func (t *Tunnel) serverStreamToTunnel(conn net.Conn) error {
	var op [1]byte
	var num [4]byte

	for {
		if _, err := io.ReadFull(conn, op[:]); err != nil {
			return err
		}

		if op[0] == protocol.ScHeartbeat {
			t.queue <- scHeartbeat{}
			continue
		}

		if _, err := io.ReadFull(conn, num[:]); err != nil {
			return err
		}
		id := binary.BigEndian.Uint32(num[:])

		switch op[0] {
		case protocol.ScEntryClose:
			t.queue <- scEntryClose{id: id}

		case protocol.ScEof:
			t.queue <- scEOF{id: id}

		case protocol.ScConnectOk, protocol.ScData:
			if _, err := io.ReadFull(conn, num[:]); err != nil {
				return err
			}
			buf := make([]byte, binary.BigEndian.Uint32(num[:]))
			if _, err := io.ReadFull(conn, buf); err != nil {
				return err
			}

			if op[0] == protocol.ScConnectOk {
				t.queue <- scConnectOK{id: id, buf: buf}
			} else {
				t.queue <- scData{id: id, buf: buf}
			}

		default:
			return nil
		}
	}
}

// tunnelToServerStream 从tunnel队列读消息, 向server stream写数据.
// It is the sole owner of the entry map and of the write half of the
// transport, and merges the heartbeat ticker into the queue.
func (t *Tunnel) tunnelToServerStream(conn net.Conn, entries entryMap, readerDone <-chan struct{}) error {
	aliveTime := time.Now()

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	if _, err := conn.Write(protocol.VerifyData[:]); err != nil {
		return err
	}

	for {
		select {
		case msg := <-t.queue:
			if err := t.processTunnelMessage(msg, &aliveTime, entries, conn); err != nil {
				return err
			}

		case <-ticker.C:
			if err := t.processTunnelMessage(csHeartbeat{}, &aliveTime, entries, conn); err != nil {
				return err
			}

		case <-readerDone:
			return nil
		}
	}
}

func (t *Tunnel) processTunnelMessage(msg tunnelMessage, aliveTime *time.Time, entries entryMap, conn net.Conn) error {
	switch m := msg.(type) {

	case csHeartbeat:
		if _, err := conn.Write(protocol.PackCsHeartbeat()); err != nil {
			return err
		}
		recordHeartbeatSent(t.id)

	case csEntryOpen:
		entries[m.id] = &entryInternal{sender: m.sender}
		if _, err := conn.Write(protocol.PackCsEntryOpen(m.id)); err != nil {
			return err
		}

	case csConnectIP:
		if _, err := conn.Write(protocol.PackCsConnect(m.id, m.addr)); err != nil {
			return err
		}

	case csConnectDomainName:
		host := ""
		if utf8.Valid(m.name) {
			host = string(m.name)
		}
		t.logger.Info(fmt.Sprintf("%d.%d: connecting %s:%d", t.id, m.id, host, m.port))

		if entry, ok := entries[m.id]; ok {
			entry.host = host
			entry.port = m.port
		}

		if _, err := conn.Write(protocol.PackCsConnectDomainName(m.id, m.name, m.port)); err != nil {
			return err
		}

	case csEOF:
		if entry, ok := entries[m.id]; ok {
			t.logger.Info(fmt.Sprintf("%d.%d: client shutdown write %s:%d", t.id, m.id, entry.host, entry.port))
		} else {
			t.logger.Info(fmt.Sprintf("%d.%d: client shutdown write unknown server", t.id, m.id))
		}
		if _, err := conn.Write(protocol.PackCsEof(m.id)); err != nil {
			return err
		}

	case csData:
		if _, err := conn.Write(protocol.PackCsData(m.id, m.buf)); err != nil {
			return err
		}
		recordBytesOut(t.id, len(m.buf))

	case csEntryClose:
		if entry, ok := entries[m.id]; ok {
			t.logger.Info(fmt.Sprintf("%d.%d: client close %s:%d", t.id, m.id, entry.host, entry.port))
			entry.sender <- EntryMessage{Kind: EntryClose}
			close(entry.sender)
			recordEntryClosed(t.id)
			delete(entries, m.id)
			if _, err := conn.Write(protocol.PackCsEntryClose(m.id)); err != nil {
				return err
			}
		} else {
			t.logger.Info(fmt.Sprintf("%d.%d: client close unknown server", t.id, m.id))
		}

	case scHeartbeat:
		*aliveTime = time.Now()

	case scEntryClose:
		*aliveTime = time.Now()
		if entry, ok := entries[m.id]; ok {
			t.logger.Info(fmt.Sprintf("%d.%d: server close %s:%d", t.id, m.id, entry.host, entry.port))
			entry.sender <- EntryMessage{Kind: EntryClose}
			close(entry.sender)
			recordEntryClosed(t.id)
		} else {
			t.logger.Info(fmt.Sprintf("%d.%d: server close unknown client", t.id, m.id))
		}
		delete(entries, m.id)

	case scEOF:
		*aliveTime = time.Now()
		if entry, ok := entries[m.id]; ok {
			t.logger.Info(fmt.Sprintf("%d.%d: server shutdown write %s:%d", t.id, m.id, entry.host, entry.port))
			entry.sender <- EntryMessage{Kind: EntryEof}
		} else {
			t.logger.Info(fmt.Sprintf("%d.%d: server shutdown write unknown client", t.id, m.id))
		}

	case scConnectOK:
		*aliveTime = time.Now()
		if entry, ok := entries[m.id]; ok {
			t.logger.Info(fmt.Sprintf("%d.%d: connect %s:%d ok", t.id, m.id, entry.host, entry.port))
			entry.sender <- EntryMessage{Kind: EntryConnectOk, Buf: m.buf}
		} else {
			t.logger.Info(fmt.Sprintf("%d.%d: connect unknown server ok", t.id, m.id))
		}

	case scData:
		*aliveTime = time.Now()
		if entry, ok := entries[m.id]; ok {
			entry.sender <- EntryMessage{Kind: EntryData, Buf: m.buf}
			recordBytesIn(t.id, len(m.buf))
		} else {
			t.logger.Debug(fmt.Sprintf("%d.%d: data for unknown client dropped", t.id, m.id))
			recordUnknownEntryDrop(t.id)
		}
	}

	return nil
}
