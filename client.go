package skiff

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/skiffnet/skiff/message"
	"github.com/skiffnet/skiff/protocol"
	"github.com/skiffnet/skiff/transport"
)

// ConnectFailReason explains a failed connection attempt.
type ConnectFailReason uint8

const (
	ConnectFailTimedOut ConnectFailReason = iota
	ConnectFailServerFull
	ConnectFailRejected
	ConnectFailCustom
)

func (r ConnectFailReason) String() string {
	switch r {
	case ConnectFailTimedOut:
		return "timed out"
	case ConnectFailServerFull:
		return "server full"
	case ConnectFailRejected:
		return "rejected"
	case ConnectFailCustom:
		return "rejected (custom)"
	}
	return "unknown"
}

func failReasonFromReject(r protocol.RejectReason) ConnectFailReason {
	switch r {
	case protocol.RejectServerFull:
		return ConnectFailServerFull
	case protocol.RejectCustom:
		return ConnectFailCustom
	default:
		return ConnectFailRejected
	}
}

// Client drives a single Connection to a server. Create with NewClient,
// register event handlers, call Connect, then pump Tick from the
// application loop (or use Run).
type Client struct {
	peer

	conn *Connection
	id   uint16

	connectStarted int64
	connectLastTry int64
	connectData    []byte

	handlers map[uint16]func(m *message.Message)

	connectedHandlers    []func()
	connectFailHandlers  []func(reason ConnectFailReason, custom []byte)
	disconnectedHandlers []func(reason protocol.DisconnectReason, data []byte)
	messageHandlers      []func(m *message.Message)
	peerJoinedHandlers   []func(id uint16)
	peerLeftHandlers     []func(id uint16)

	running bool
}

// NewClient creates a client with the given configuration.
func NewClient(cfg Config) *Client {
	c := &Client{handlers: make(map[uint16]func(m *message.Message))}
	c.init(cfg)
	return c
}

// OnConnected registers a handler for successful connection establishment.
func (c *Client) OnConnected(fn func()) { c.connectedHandlers = append(c.connectedHandlers, fn) }

// OnConnectionFailed registers a handler for rejected or timed-out
// connection attempts. custom carries the server's payload for
// ConnectFailCustom.
func (c *Client) OnConnectionFailed(fn func(reason ConnectFailReason, custom []byte)) {
	c.connectFailHandlers = append(c.connectFailHandlers, fn)
}

// OnDisconnected registers a handler for the end of an established
// connection. data carries the server's payload when kicked.
func (c *Client) OnDisconnected(fn func(reason protocol.DisconnectReason, data []byte)) {
	c.disconnectedHandlers = append(c.disconnectedHandlers, fn)
}

// OnMessage registers a handler for delivered user messages that no
// handler registered with RegisterHandler consumes.
func (c *Client) OnMessage(fn func(m *message.Message)) {
	c.messageHandlers = append(c.messageHandlers, fn)
}

// OnPeerJoined registers a handler for other clients joining the server.
func (c *Client) OnPeerJoined(fn func(id uint16)) {
	c.peerJoinedHandlers = append(c.peerJoinedHandlers, fn)
}

// OnPeerLeft registers a handler for other clients leaving the server.
func (c *Client) OnPeerLeft(fn func(id uint16)) {
	c.peerLeftHandlers = append(c.peerLeftHandlers, fn)
}

// RegisterHandler binds a message ID to a typed handler. Messages whose
// leading 2-byte ID matches are dispatched to fn, with the read cursor
// just past the ID, instead of to the OnMessage handlers.
func (c *Client) RegisterHandler(id uint16, fn func(m *message.Message)) {
	c.handlers[id] = fn
}

// ID returns the server-assigned client ID, or 0 before Welcome.
func (c *Client) ID() uint16 { return c.id }

// Connection returns the client's connection, nil before Connect.
func (c *Client) Connection() *Connection { return c.conn }

// Connect opens the transport on an ephemeral local port and begins the
// handshake with the server at addr ("host:port"). userData is carried in
// the Connect frame and handed to the server's admission callback.
// The handshake completes (or fails) during subsequent Ticks.
func (c *Client) Connect(addr string, userData []byte) error {
	if c.conn != nil && c.conn.state != StateDisconnected {
		return fmt.Errorf("skiff: already connecting or connected")
	}

	remote, err := resolveEndpoint(addr)
	if err != nil {
		return err
	}
	if err := c.tr.Start(0); err != nil {
		return err
	}
	message.AddPeerRef()
	c.running = true

	now := c.now()
	c.conn = newConnection(remote, StateConnecting, now)
	c.connectStarted = now
	c.connectLastTry = now
	c.connectData = userData
	c.send(protocol.Connect(userData), remote)
	return nil
}

func resolveEndpoint(addr string) (netip.AddrPort, error) {
	if ep, err := netip.ParseAddrPort(addr); err == nil {
		return ep, nil
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("skiff: resolve %q: %w", addr, err)
	}
	return ua.AddrPort(), nil
}

// Disconnect tears the connection down with a best-effort notice to the
// server and releases the transport. In-flight reliable messages are
// dropped.
func (c *Client) Disconnect() {
	if !c.running {
		return
	}
	if c.conn != nil && c.conn.state == StateConnected {
		c.send(protocol.Disconnect(protocol.DisconnectDisconnected, nil), c.conn.remote)
	}
	c.teardown()
}

func (c *Client) teardown() {
	if !c.running {
		return
	}
	c.running = false
	if c.conn != nil {
		c.conn.state = StateDisconnected
	}
	if err := c.tr.Shutdown(); err != nil {
		c.log.Warnf("skiff: transport shutdown: %v", err)
	}
	message.RemovePeerRef()
}

// Run drives Tick at the given interval until ctx is done, then
// disconnects. A convenience for applications without their own loop.
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Disconnect()
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick processes queued datagrams, fires due timers and performs
// per-connection maintenance. Single-threaded; never blocks.
func (c *Client) Tick() {
	if !c.running {
		return
	}
	c.drainInbound(c.handleDatagram)
	now := c.now()
	c.fireDue(now)
	c.maintain(now)
}

func (c *Client) maintain(now int64) {
	if c.conn == nil || !c.running {
		return
	}
	switch c.conn.state {
	case StateConnecting:
		if now-c.connectStarted > c.cfg.ConnectTimeout.Milliseconds() {
			c.failConnect(ConnectFailTimedOut, nil)
			return
		}
		if now-c.connectLastTry > defaultRetransmitTimeout {
			c.connectLastTry = now
			c.send(protocol.Connect(c.connectData), c.conn.remote)
		}

	case StateConnected:
		if c.conn.timedOut(now, c.cfg.Timeout.Milliseconds()) {
			c.dropConnection(protocol.DisconnectTimedOut, nil)
			return
		}
		c.conn.retransmitDue(&c.peer, now)
		c.conn.heartbeatDue(&c.peer, now)
	}
}

func (c *Client) handleDatagram(dg transport.Datagram) {
	if c.conn == nil || dg.From != c.conn.remote {
		return // only the server may talk to us
	}
	kind, err := protocol.Kind(dg.Data)
	if err != nil {
		c.log.Warnf("skiff: malformed frame from %s: %v", dg.From, err)
		return
	}
	c.conn.heard(c.now())

	switch kind {
	case protocol.HeaderConnect:
		// The server's echo of our Connect; activity only.

	case protocol.HeaderWelcome:
		c.handleWelcome(dg.Data)

	case protocol.HeaderReject:
		reason, custom, err := protocol.ParseReject(dg.Data)
		if err != nil {
			c.log.Warnf("skiff: malformed reject: %v", err)
			return
		}
		if c.conn.state == StateConnecting {
			c.failConnect(failReasonFromReject(reason), custom)
		}

	case protocol.HeaderHeartbeat:
		echo, ts, err := protocol.ParseHeartbeat(dg.Data)
		if err != nil {
			c.log.Warnf("skiff: malformed heartbeat: %v", err)
			return
		}
		c.conn.handleHeartbeat(&c.peer, echo, ts)

	case protocol.HeaderAck, protocol.HeaderAckExtra:
		seq, bits, err := protocol.ParseAck(dg.Data)
		if err != nil {
			c.log.Warnf("skiff: malformed ack: %v", err)
			return
		}
		c.conn.handleAck(&c.peer, kind, seq, bits)

	case protocol.HeaderReliable:
		seq, payload, err := protocol.ParseReliable(dg.Data)
		if err != nil {
			c.log.Warnf("skiff: malformed reliable frame: %v", err)
			return
		}
		if c.conn.handleReliable(&c.peer, seq) {
			c.deliver(payload)
		}

	case protocol.HeaderUnreliable:
		c.deliver(dg.Data[1:])

	case protocol.HeaderDisconnect:
		reason, data, err := protocol.ParseDisconnect(dg.Data)
		if err != nil {
			c.log.Warnf("skiff: malformed disconnect: %v", err)
			return
		}
		c.dropConnection(reason, data)

	case protocol.HeaderClientConnected:
		if id, err := protocol.ParseClientChange(dg.Data); err == nil {
			for _, fn := range c.peerJoinedHandlers {
				fn(id)
			}
		}

	case protocol.HeaderClientDisconnected:
		if id, err := protocol.ParseClientChange(dg.Data); err == nil {
			for _, fn := range c.peerLeftHandlers {
				fn(id)
			}
		}
	}
}

func (c *Client) handleWelcome(frame []byte) {
	id, err := protocol.ParseWelcome(frame)
	if err != nil {
		c.log.Warnf("skiff: malformed welcome: %v", err)
		return
	}
	if c.conn.state != StateConnecting {
		return // duplicate welcome
	}
	c.id = id
	c.conn.id = id
	c.conn.state = StateConnected
	for _, fn := range c.connectedHandlers {
		fn()
	}
}

// deliver hands a user payload to the application: a registered handler
// matching the leading message ID consumes it, otherwise the OnMessage
// handlers fire with the cursor at the start.
func (c *Client) deliver(payload []byte) {
	m := message.FromBytes(payload)
	defer m.Release()
	if len(c.handlers) > 0 && m.Unread() >= 2 {
		id, _ := m.Uint16()
		if fn, ok := c.handlers[id]; ok {
			fn(m)
			return
		}
		m.Reset()
	}
	for _, fn := range c.messageHandlers {
		fn(m)
	}
}

func (c *Client) failConnect(reason ConnectFailReason, custom []byte) {
	if !c.running {
		return // already torn down; duplicate frames must not re-fire events
	}
	c.teardown()
	for _, fn := range c.connectFailHandlers {
		fn(reason, custom)
	}
}

func (c *Client) dropConnection(reason protocol.DisconnectReason, data []byte) {
	if !c.running {
		return
	}
	c.teardown()
	for _, fn := range c.disconnectedHandlers {
		fn(reason, data)
	}
}

// Send transmits a user message to the server. Reliable messages are
// retransmitted until acknowledged. The message is released back to the
// pool after transmission.
func (c *Client) Send(m *message.Message, reliable bool) error {
	if c.conn == nil || c.conn.state != StateConnected {
		return fmt.Errorf("skiff: not connected")
	}
	if reliable {
		// The retransmission table holds its own framed copy.
		c.conn.sendReliable(&c.peer, m.Bytes())
	} else {
		c.conn.sendUnreliable(&c.peer, m.Bytes())
	}
	m.Release()
	return nil
}
