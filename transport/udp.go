package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// DefaultSocketBufferSize is the read/write buffer hint applied to the UDP
// socket when the caller does not override it.
const DefaultSocketBufferSize = 1 << 20

// maxDatagramSize bounds a single read. Larger datagrams are truncated by
// the kernel to this size.
const maxDatagramSize = 2048

// UDP implements Transport over a single UDP socket.
type UDP struct {
	BufferSize int // socket buffer hint; DefaultSocketBufferSize when 0
	Log        logrus.FieldLogger

	conn     *net.UDPConn
	local    netip.AddrPort
	incoming chan Datagram
}

// NewUDP creates an unstarted UDP transport.
func NewUDP() *UDP {
	return &UDP{
		BufferSize: DefaultSocketBufferSize,
		Log:        logrus.StandardLogger(),
		incoming:   make(chan Datagram, 1024),
	}
}

func (t *UDP) Start(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}
	size := t.BufferSize
	if size <= 0 {
		size = DefaultSocketBufferSize
	}
	// Buffer sizing is a hint; some platforms clamp it. Not fatal.
	if err := conn.SetReadBuffer(size); err != nil {
		t.Log.Warnf("transport: set read buffer: %v", err)
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		t.Log.Warnf("transport: set write buffer: %v", err)
	}

	t.conn = conn
	t.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	go t.readLoop(conn)
	return nil
}

func (t *UDP) Send(b []byte, to netip.AddrPort) error {
	if t.conn == nil {
		return errors.New("transport: not started")
	}
	if _, err := t.conn.WriteToUDPAddrPort(b, to); err != nil {
		return fmt.Errorf("transport: send to %s: %w", to, err)
	}
	return nil
}

func (t *UDP) Incoming() <-chan Datagram { return t.incoming }

func (t *UDP) LocalEndpoint() netip.AddrPort { return t.local }

func (t *UDP) Shutdown() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *UDP) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.incoming <- Datagram{Data: data, From: from}:
		default:
			// Inbound buffer full; drop. UDP gives no delivery promise and
			// the protocol above recovers reliable traffic.
		}
	}
}
