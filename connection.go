package skiff

import (
	"net/netip"
	"time"

	"github.com/skiffnet/skiff/protocol"
)

// State is a connection's lifecycle phase. Transitions only move forward;
// Disconnected is terminal.
type State uint8

const (
	StateNotConnected State = iota
	StateConnecting
	StatePending // server side: Connect received, not yet accepted or rejected
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not connected"
	case StateConnecting:
		return "connecting"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ackWindow is how many sequences behind the newest one the receive
// bitfield covers. Fixed by the 16-bit wire field.
const ackWindow = 16

// defaultRetransmitTimeout applies until the first RTT sample arrives.
const defaultRetransmitTimeout = 300 // ms

// minRetransmitTimeout floors the computed retransmission timeout.
const minRetransmitTimeout = 50 // ms

// pendingAck is an unacknowledged reliable frame awaiting retransmission.
type pendingAck struct {
	frame       []byte
	firstSentAt int64
	lastSentAt  int64
	retries     int
}

// Connection is the per-remote-peer protocol state machine: sequence
// counters, the receive acknowledgment window, the retransmission table,
// and the liveness clocks. All mutation happens inside the owning peer's
// Tick.
type Connection struct {
	remote netip.AddrPort
	id     uint16 // server-assigned; 0 = unassigned
	state  State

	// Outbound reliable bookkeeping.
	nextReliableSeq uint16
	pendingAcks     map[uint16]*pendingAck

	// Inbound reliable bookkeeping: the highest sequence observed and the
	// bitfield of the 16 sequences before it.
	lastReceivedSeq    uint16
	receiveAckBitfield uint16

	// Liveness and RTT, milliseconds on the owning peer's clock.
	lastHeardFrom     int64
	lastHeartbeatSent int64
	smoothedRtt       int64 // -1 until the first sample
	rttVariance       int64

	// Statistics.
	datagramsSent     uint64
	datagramsReceived uint64
}

func newConnection(remote netip.AddrPort, state State, now int64) *Connection {
	return &Connection{
		remote:      remote,
		state:       state,
		pendingAcks: make(map[uint16]*pendingAck),

		lastHeardFrom: now,
		smoothedRtt:   -1,
	}
}

// RemoteEndpoint returns the remote address of this connection.
func (c *Connection) RemoteEndpoint() netip.AddrPort { return c.remote }

// ID returns the server-assigned client ID, or 0 when unassigned.
func (c *Connection) ID() uint16 { return c.id }

// State returns the connection's current lifecycle phase.
func (c *Connection) State() State { return c.state }

// RTT returns the smoothed round-trip estimate, or 0 before any sample.
func (c *Connection) RTT() time.Duration {
	if c.smoothedRtt < 0 {
		return 0
	}
	return time.Duration(c.smoothedRtt) * time.Millisecond
}

// heard records inbound activity of any kind.
func (c *Connection) heard(now int64) {
	c.lastHeardFrom = now
	c.datagramsReceived++
}

// timedOut reports whether the inactivity threshold has passed.
func (c *Connection) timedOut(now, timeoutMs int64) bool {
	return now-c.lastHeardFrom > timeoutMs
}

// ─── reliable send ───────────────────────────────────────────────────────────

// sendReliable assigns the next sequence number, transmits the framed
// payload and records it for retransmission until acknowledged.
func (c *Connection) sendReliable(p *peer, payload []byte) {
	c.nextReliableSeq++
	seq := c.nextReliableSeq

	frame := protocol.Reliable(seq, payload)
	p.send(frame, c.remote)
	c.datagramsSent++

	now := p.now()
	c.pendingAcks[seq] = &pendingAck{
		frame:       frame,
		firstSentAt: now,
		lastSentAt:  now,
	}
}

// sendUnreliable transmits the payload fire-and-forget.
func (c *Connection) sendUnreliable(p *peer, payload []byte) {
	p.send(protocol.Unreliable(payload), c.remote)
	c.datagramsSent++
}

// retransmitTimeout is the resend threshold: max(50ms, srtt + 4·rttvar),
// or a fixed default before the first RTT sample.
func (c *Connection) retransmitTimeout() int64 {
	if c.smoothedRtt < 0 {
		return defaultRetransmitTimeout
	}
	rto := c.smoothedRtt + 4*c.rttVariance
	if rto < minRetransmitTimeout {
		rto = minRetransmitTimeout
	}
	return rto
}

// retransmitDue resends every pending reliable frame whose resend timer has
// lapsed. There is no retry cap; the connection timeout bounds retries.
func (c *Connection) retransmitDue(p *peer, now int64) {
	rto := c.retransmitTimeout()
	for _, pa := range c.pendingAcks {
		if now-pa.lastSentAt > rto {
			p.send(pa.frame, c.remote)
			c.datagramsSent++
			pa.lastSentAt = now
			pa.retries++
		}
	}
}

// ─── reliable receive ────────────────────────────────────────────────────────

// handleReliable updates the receive window for an incoming sequence and
// reports whether the payload should be delivered to the application.
// The acknowledgment is sent unconditionally, duplicates included, so a
// lost ack does not strand the sender's retransmission table.
func (c *Connection) handleReliable(p *peer, seq uint16) (deliver bool) {
	defer c.sendAck(p, seq)

	diff := protocol.SeqDiff(seq, c.lastReceivedSeq)
	switch {
	case diff > 0:
		// Newer than anything seen: slide the window forward. Sequences
		// skipped by the shift are implicitly marked missing.
		c.receiveAckBitfield <<= uint(diff)
		if diff <= ackWindow {
			c.receiveAckBitfield |= 1 << (diff - 1)
		}
		c.lastReceivedSeq = seq
		return true

	case diff == 0:
		return false // duplicate of the newest sequence

	case diff >= -ackWindow:
		bit := uint16(1) << uint(-diff-1)
		if c.receiveAckBitfield&bit != 0 {
			return false // duplicate inside the window
		}
		c.receiveAckBitfield |= bit
		return true

	default:
		return false // older than the window tracks; drop but still ack
	}
}

// sendAck acknowledges forSeq. Sequences at or ahead of the window head use
// a regular Ack carrying the full bitfield; older ones get a targeted
// AckExtra so the sender can clear that exact retransmission entry.
func (c *Connection) sendAck(p *peer, forSeq uint16) {
	if forSeq == c.lastReceivedSeq {
		p.send(protocol.Ack(protocol.HeaderAck, c.lastReceivedSeq, c.receiveAckBitfield), c.remote)
	} else {
		p.send(protocol.Ack(protocol.HeaderAckExtra, forSeq, 0), c.remote)
	}
	c.datagramsSent++
}

// ─── ack receive ─────────────────────────────────────────────────────────────

// handleAck clears acknowledged entries from the retransmission table and
// feeds RTT samples from first-transmission acks.
func (c *Connection) handleAck(p *peer, kind protocol.Header, ackedSeq, bitfield uint16) {
	now := p.now()
	c.clearPending(ackedSeq, now)
	if kind == protocol.HeaderAck {
		for i := 0; i < ackWindow; i++ {
			if bitfield&(1<<uint(i)) != 0 {
				c.clearPending(ackedSeq-1-uint16(i), now)
			}
		}
	}
}

// clearPending removes one entry from the retransmission table, sampling
// RTT when the frame was never retransmitted (a retransmitted frame's ack
// is ambiguous). Removal is idempotent.
func (c *Connection) clearPending(seq uint16, now int64) {
	pa, ok := c.pendingAcks[seq]
	if !ok {
		return
	}
	delete(c.pendingAcks, seq)
	if pa.retries == 0 {
		c.updateRtt(now - pa.firstSentAt)
	}
}

// updateRtt folds a sample into the smoothed estimate: α=1/8 on the mean,
// β=1/4 on the variance.
func (c *Connection) updateRtt(rtt int64) {
	if rtt < 0 {
		return
	}
	if c.smoothedRtt < 0 {
		c.smoothedRtt = rtt
		c.rttVariance = rtt / 2
		return
	}
	v := rtt - c.smoothedRtt
	if v < 0 {
		c.rttVariance += (-v - c.rttVariance) / 4
	} else {
		c.rttVariance += (v - c.rttVariance) / 4
	}
	c.smoothedRtt += v / 8
}

// ─── heartbeat ───────────────────────────────────────────────────────────────

// heartbeatDue sends a probe when the interval has lapsed.
func (c *Connection) heartbeatDue(p *peer, now int64) {
	if now-c.lastHeartbeatSent < p.cfg.HeartbeatInterval.Milliseconds() {
		return
	}
	c.lastHeartbeatSent = now
	p.send(protocol.Heartbeat(false, uint64(now)), c.remote)
	c.datagramsSent++
}

// handleHeartbeat answers probes with an echo of the original timestamp and
// turns received echoes into RTT samples.
func (c *Connection) handleHeartbeat(p *peer, echo bool, timestamp uint64) {
	if echo {
		c.updateRtt(p.now() - int64(timestamp))
		return
	}
	p.send(protocol.Heartbeat(true, timestamp), c.remote)
	c.datagramsSent++
}
