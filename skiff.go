// Package skiff is a low-latency, connection-oriented messaging library
// layered on an unreliable datagram transport (UDP by default).
//
// Design:
//   - The engine is single-threaded and cooperative: all protocol state is
//     mutated inside Tick, on the goroutine that calls it. The transport
//     delivers raw datagrams from its own I/O goroutine into a FIFO; the
//     engine drains the FIFO only during Tick.
//   - Short application messages are sent unreliably (fire and forget) or
//     reliably (acknowledged and retransmitted until acked). Reliable
//     messages are independently acknowledged; no ordering is promised
//     between them.
//   - Each connection tracks a 16-entry sliding acknowledgment window for
//     duplicate suppression, a retransmission table driven by a smoothed
//     RTT estimate, and a heartbeat/timeout clock.
//   - Event callbacks run synchronously inside Tick and must not re-enter
//     the engine's mutating API; register them before starting the peer.
package skiff

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skiffnet/skiff/transport"
)

const (
	// DefaultTimeout is the inactivity threshold before a connection is
	// declared dead.
	DefaultTimeout = 5 * time.Second

	// DefaultHeartbeatInterval is the liveness probe cadence.
	DefaultHeartbeatInterval = 1 * time.Second

	// DefaultConnectTimeout bounds the client's wait for Welcome and the
	// server's grace period for rejected or unresolved pending connections.
	DefaultConnectTimeout = 10 * time.Second
)

// Config carries the tunables shared by clients and servers.
// The zero value is usable; zero fields take the package defaults.
type Config struct {
	// Timeout is the inactivity threshold before a connection is declared
	// dead and torn down with a TimedOut disconnect.
	Timeout time.Duration

	// HeartbeatInterval is how often a connected peer probes its remote.
	HeartbeatInterval time.Duration

	// ConnectTimeout bounds connection establishment: the client's wait
	// for Welcome, and the server's grace for pending/rejected connections.
	ConnectTimeout time.Duration

	// SocketBufferSize is the UDP socket buffer hint.
	SocketBufferSize int

	// Transport overrides the datagram transport. Defaults to UDP.
	Transport transport.Transport

	// Log receives engine diagnostics. Defaults to the logrus standard
	// logger.
	Log logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SocketBufferSize == 0 {
		c.SocketBufferSize = transport.DefaultSocketBufferSize
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Transport == nil {
		udp := transport.NewUDP()
		udp.BufferSize = c.SocketBufferSize
		udp.Log = c.Log
		c.Transport = udp
	}
	return c
}
