package tunnel

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// entriesActive tracks currently live entries per tunnel
	entriesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bit_tunnel_entries_active",
			Help: "Number of currently open entries per tunnel",
		},
		[]string{"tunnel"},
	)

	// bytesTotal tracks payload bytes carried over the tunnel
	// Labels: direction (out = client→server, in = server→client)
	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bit_tunnel_bytes_total",
			Help: "Payload bytes carried over the tunnel grouped by direction",
		},
		[]string{"tunnel", "direction"},
	)

	// heartbeatsSent tracks client heartbeat frames written to the transport
	heartbeatsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bit_tunnel_heartbeats_sent_total",
			Help: "Client heartbeat frames written to the transport",
		},
		[]string{"tunnel"},
	)

	// sessionsBroken tracks transport sessions that ended in an error
	sessionsBroken = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bit_tunnel_sessions_broken_total",
			Help: "Transport sessions torn down by transport or protocol errors",
		},
		[]string{"tunnel"},
	)

	// unknownEntryDrops tracks server data frames for ids not in the entry map
	unknownEntryDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bit_tunnel_unknown_entry_drops_total",
			Help: "Server data frames dropped because the entry id is unknown",
		},
		[]string{"tunnel"},
	)
)

func tunnelLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func recordEntryOpened(id uint32) {
	entriesActive.WithLabelValues(tunnelLabel(id)).Inc()
}

func recordEntryClosed(id uint32) {
	entriesActive.WithLabelValues(tunnelLabel(id)).Dec()
}

func recordEntriesDropped(id uint32, n int) {
	entriesActive.WithLabelValues(tunnelLabel(id)).Sub(float64(n))
}

func recordBytesOut(id uint32, n int) {
	bytesTotal.WithLabelValues(tunnelLabel(id), "out").Add(float64(n))
}

func recordBytesIn(id uint32, n int) {
	bytesTotal.WithLabelValues(tunnelLabel(id), "in").Add(float64(n))
}

func recordHeartbeatSent(id uint32) {
	heartbeatsSent.WithLabelValues(tunnelLabel(id)).Inc()
}

func recordSessionBroken(id uint32) {
	sessionsBroken.WithLabelValues(tunnelLabel(id)).Inc()
}

func recordUnknownEntryDrop(id uint32) {
	unknownEntryDrops.WithLabelValues(tunnelLabel(id)).Inc()
}
