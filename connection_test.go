package skiff

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiffnet/skiff/protocol"
	"github.com/skiffnet/skiff/transport"
)

// captureTransport records outbound frames for inspection.
type captureTransport struct {
	frames [][]byte
}

func (c *captureTransport) Start(port int) error { return nil }
func (c *captureTransport) Send(b []byte, to netip.AddrPort) error {
	frame := make([]byte, len(b))
	copy(frame, b)
	c.frames = append(c.frames, frame)
	return nil
}
func (c *captureTransport) Incoming() <-chan transport.Datagram { return nil }
func (c *captureTransport) LocalEndpoint() netip.AddrPort       { return netip.AddrPort{} }
func (c *captureTransport) Shutdown() error                     { return nil }

func (c *captureTransport) kinds() []protocol.Header {
	var out []protocol.Header
	for _, f := range c.frames {
		k, err := protocol.Kind(f)
		if err == nil {
			out = append(out, k)
		}
	}
	return out
}

func newTestPeer(t *testing.T) (*peer, *captureTransport) {
	t.Helper()
	tr := &captureTransport{}
	p := &peer{}
	p.init(Config{Transport: tr})
	return p, tr
}

// advance shifts the peer's clock forward without sleeping.
func advance(p *peer, d time.Duration) {
	p.start = p.start.Add(-d)
}

var testRemote = netip.MustParseAddrPort("127.0.0.1:7777")

func TestReliableSendAssignsSequences(t *testing.T) {
	p, tr := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	c.sendReliable(p, []byte{0xaa})
	c.sendReliable(p, []byte{0xbb})

	require.Len(t, tr.frames, 2)
	seq1, _, err := protocol.ParseReliable(tr.frames[0])
	require.NoError(t, err)
	seq2, _, err := protocol.ParseReliable(tr.frames[1])
	require.NoError(t, err)
	require.Equal(t, uint16(1), seq1)
	require.Equal(t, uint16(2), seq2)

	require.Len(t, c.pendingAcks, 2)
}

func TestHandleReliableDeliversAndAcks(t *testing.T) {
	p, tr := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	require.True(t, c.handleReliable(p, 1))
	require.Equal(t, uint16(1), c.lastReceivedSeq)

	// Each receipt, duplicate or not, produces exactly one ack.
	require.Len(t, tr.frames, 1)
	k, err := protocol.Kind(tr.frames[0])
	require.NoError(t, err)
	require.Equal(t, protocol.HeaderAck, k)

	// Same sequence again: duplicate, but still acked.
	require.False(t, c.handleReliable(p, 1))
	require.Len(t, tr.frames, 2)
}

func TestHandleReliableOutOfOrder(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	require.True(t, c.handleReliable(p, 5))
	require.True(t, c.handleReliable(p, 3)) // late but new
	require.False(t, c.handleReliable(p, 3))
	require.True(t, c.handleReliable(p, 4))
	require.False(t, c.handleReliable(p, 5))
	require.True(t, c.handleReliable(p, 6))
}

func TestHandleReliableWindowBoundary(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	require.True(t, c.handleReliable(p, 100))

	// Exactly 16 behind the newest: accepted when the bit is clear,
	// rejected once set.
	require.True(t, c.handleReliable(p, 84))
	require.False(t, c.handleReliable(p, 84))

	// 17 behind: older than the window tracks; never delivered.
	require.False(t, c.handleReliable(p, 83))
}

func TestHandleReliableSequenceWrap(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())
	c.lastReceivedSeq = 65534

	require.True(t, c.handleReliable(p, 65535))
	require.True(t, c.handleReliable(p, 0)) // wraps
	require.True(t, c.handleReliable(p, 1))
	require.False(t, c.handleReliable(p, 65535)) // duplicate across the wrap
	require.False(t, c.handleReliable(p, 0))
}

func TestHandleAckClearsPending(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	for i := 0; i < 3; i++ {
		c.sendReliable(p, []byte{byte(i)})
	}
	require.Len(t, c.pendingAcks, 3)

	// Ack seq 3 with bits for 2 and 1.
	c.handleAck(p, protocol.HeaderAck, 3, 0b11)
	require.Empty(t, c.pendingAcks)

	// Removal is idempotent.
	c.handleAck(p, protocol.HeaderAck, 3, 0b11)
	require.Empty(t, c.pendingAcks)
}

func TestAckExtraClearsSingleSequence(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	c.sendReliable(p, []byte{1})
	c.sendReliable(p, []byte{2})

	c.handleAck(p, protocol.HeaderAckExtra, 1, 0)
	require.Len(t, c.pendingAcks, 1)
	_, stillPending := c.pendingAcks[uint16(2)]
	require.True(t, stillPending)
}

func TestRetransmitAfterTimeout(t *testing.T) {
	p, tr := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	c.sendReliable(p, []byte{0x42})
	require.Len(t, tr.frames, 1)

	// Before the timeout nothing is resent.
	c.retransmitDue(p, p.now())
	require.Len(t, tr.frames, 1)

	advance(p, time.Duration(defaultRetransmitTimeout+50)*time.Millisecond)
	c.retransmitDue(p, p.now())
	require.Len(t, tr.frames, 2)
	require.Equal(t, tr.frames[0], tr.frames[1]) // bit-identical resend
	require.Equal(t, 1, c.pendingAcks[uint16(1)].retries)
}

func TestRttSampleSkippedForRetransmitted(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	c.sendReliable(p, []byte{1})
	advance(p, time.Duration(defaultRetransmitTimeout+50)*time.Millisecond)
	c.retransmitDue(p, p.now())

	// Acking a retransmitted frame must not feed the RTT estimate.
	c.handleAck(p, protocol.HeaderAck, 1, 0)
	require.Equal(t, int64(-1), c.smoothedRtt)
}

func TestRttSmoothing(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	c.updateRtt(100)
	require.Equal(t, int64(100), c.smoothedRtt)
	require.Equal(t, int64(50), c.rttVariance)

	// srtt += (sample-srtt)/8; rttvar += (|sample-srtt|-rttvar)/4.
	c.updateRtt(180)
	require.Equal(t, int64(110), c.smoothedRtt)
	require.Equal(t, int64(57), c.rttVariance)

	require.Equal(t, 110*time.Millisecond, c.RTT())
}

func TestRetransmitTimeoutFloor(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	require.Equal(t, int64(defaultRetransmitTimeout), c.retransmitTimeout())

	c.updateRtt(2)
	require.Equal(t, int64(minRetransmitTimeout), c.retransmitTimeout())

	c.smoothedRtt, c.rttVariance = 100, 20
	require.Equal(t, int64(180), c.retransmitTimeout())
}

func TestHeartbeatProbeAndEcho(t *testing.T) {
	p, tr := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	advance(p, 2*time.Second)
	c.heartbeatDue(p, p.now())
	require.Equal(t, []protocol.Header{protocol.HeaderHeartbeat}, tr.kinds())

	// Not due again immediately.
	c.heartbeatDue(p, p.now())
	require.Len(t, tr.frames, 1)

	// A probe is answered with an echo of the original timestamp.
	c.handleHeartbeat(p, false, 1234)
	require.Len(t, tr.frames, 2)
	echo, ts, err := protocol.ParseHeartbeat(tr.frames[1])
	require.NoError(t, err)
	require.True(t, echo)
	require.Equal(t, uint64(1234), ts)

	// An echo is consumed as an RTT sample, not answered.
	sent := uint64(p.now() - 80)
	c.handleHeartbeat(p, true, sent)
	require.Len(t, tr.frames, 2)
	require.InDelta(t, 80, float64(c.smoothedRtt), 5)
}

func TestTimeoutClock(t *testing.T) {
	p, _ := newTestPeer(t)
	c := newConnection(testRemote, StateConnected, p.now())

	require.False(t, c.timedOut(p.now(), 5000))
	advance(p, 6*time.Second)
	require.True(t, c.timedOut(p.now(), 5000))

	c.heard(p.now())
	require.False(t, c.timedOut(p.now(), 5000))
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "pending", StatePending.String())
	require.Equal(t, "connected", StateConnected.String())
}
