package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, tr Transport) Datagram {
	t.Helper()
	select {
	case dg := <-tr.Incoming():
		return dg
	case <-time.After(time.Second):
		t.Fatal("no datagram delivered")
		return Datagram{}
	}
}

func TestMemoryDelivery(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	require.NoError(t, a.Start(0))
	require.NoError(t, b.Start(0))
	defer a.Shutdown()
	defer b.Shutdown()

	require.NoError(t, a.Send([]byte{1, 2, 3}, b.LocalEndpoint()))
	dg := recv(t, b)
	require.Equal(t, []byte{1, 2, 3}, dg.Data)
	require.Equal(t, a.LocalEndpoint(), dg.From)
}

func TestMemoryDropAndDuplicate(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	require.NoError(t, a.Start(0))
	require.NoError(t, b.Start(0))
	defer a.Shutdown()
	defer b.Shutdown()

	a.DropFunc = func([]byte, netip.AddrPort) bool { return true }
	require.NoError(t, a.Send([]byte{9}, b.LocalEndpoint()))
	select {
	case <-b.Incoming():
		t.Fatal("dropped datagram was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	a.DropFunc = nil
	a.DupFunc = func([]byte, netip.AddrPort) bool { return true }
	require.NoError(t, a.Send([]byte{7}, b.LocalEndpoint()))
	first := recv(t, b)
	second := recv(t, b)
	require.Equal(t, first.Data, second.Data)
}

func TestMemoryUnknownEndpointIsBlackHole(t *testing.T) {
	a := NewMemory()
	require.NoError(t, a.Start(0))
	defer a.Shutdown()

	require.NoError(t, a.Send([]byte{1}, netip.MustParseAddrPort("127.0.0.1:1")))
}

func TestMemoryFixedPortConflict(t *testing.T) {
	a := NewMemory()
	require.NoError(t, a.Start(39999))
	defer a.Shutdown()

	b := NewMemory()
	require.Error(t, b.Start(39999))
}

func TestUDPLoopback(t *testing.T) {
	a := NewUDP()
	b := NewUDP()
	require.NoError(t, a.Start(0))
	require.NoError(t, b.Start(0))
	defer a.Shutdown()
	defer b.Shutdown()

	// The wildcard listen address is not a valid destination; target the
	// loopback explicitly.
	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), b.LocalEndpoint().Port())
	require.NoError(t, a.Send([]byte{0xca, 0xfe}, to))
	dg := recv(t, b)
	require.Equal(t, []byte{0xca, 0xfe}, dg.Data)
	require.Equal(t, a.LocalEndpoint().Port(), dg.From.Port())
}