package transport

import (
	"fmt"
	"net/netip"
	"sync"
)

// Memory is an in-process transport for tests. Each instance gets a unique
// loopback endpoint from a global registry; Send looks the destination up
// and delivers directly into its incoming channel.
//
// DropFunc and DupFunc script loss: when DropFunc returns true the datagram
// vanishes, when DupFunc returns true it is delivered twice. Both see the
// raw frame about to leave this transport.
type Memory struct {
	DropFunc func(b []byte, to netip.AddrPort) bool
	DupFunc  func(b []byte, to netip.AddrPort) bool

	local    netip.AddrPort
	incoming chan Datagram

	mu      sync.Mutex
	started bool
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[netip.AddrPort]*Memory{}
	memNextPort   uint16 = 40000
)

// NewMemory creates an unstarted Memory transport.
func NewMemory() *Memory {
	return &Memory{incoming: make(chan Datagram, 1024)}
}

func (t *Memory) Start(port int) error {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()

	addr := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	var ep netip.AddrPort
	if port != 0 {
		ep = netip.AddrPortFrom(addr, uint16(port))
		if _, taken := memRegistry[ep]; taken {
			return fmt.Errorf("transport: memory port %d in use", port)
		}
	} else {
		for {
			memNextPort++
			ep = netip.AddrPortFrom(addr, memNextPort)
			if _, taken := memRegistry[ep]; !taken {
				break
			}
		}
	}
	memRegistry[ep] = t
	t.local = ep

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *Memory) Send(b []byte, to netip.AddrPort) error {
	t.mu.Lock()
	started := t.started
	drop, dup := t.DropFunc, t.DupFunc
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("transport: not started")
	}

	if drop != nil && drop(b, to) {
		return nil // lost in transit
	}

	memRegistryMu.Lock()
	dst, ok := memRegistry[to]
	memRegistryMu.Unlock()
	if !ok {
		return nil // unreachable endpoint behaves like a black hole, as UDP does
	}

	copies := 1
	if dup != nil && dup(b, to) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		data := make([]byte, len(b))
		copy(data, b)
		select {
		case dst.incoming <- Datagram{Data: data, From: t.local}:
		default:
		}
	}
	return nil
}

func (t *Memory) Incoming() <-chan Datagram { return t.incoming }

func (t *Memory) LocalEndpoint() netip.AddrPort { return t.local }

func (t *Memory) Shutdown() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()

	memRegistryMu.Lock()
	delete(memRegistry, t.local)
	memRegistryMu.Unlock()
	return nil
}
