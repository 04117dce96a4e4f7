package skiff

import (
	"fmt"
	"net/netip"

	"golang.org/x/time/rate"

	"github.com/skiffnet/skiff/banlist"
	"github.com/skiffnet/skiff/message"
	"github.com/skiffnet/skiff/protocol"
	"github.com/skiffnet/skiff/transport"
)

// rejectResendCount is how many copies of a Reject frame are sent; the
// rejected client has no established connection to recover loss with.
const rejectResendCount = 3

// Server accepts client connections, allocates client IDs and routes
// messages. Create with NewServer, register handlers, call Start, then
// pump Tick from the application loop.
type Server struct {
	peer

	maxClients  int
	useHandlers bool
	running     bool

	clients    map[uint16]*Connection
	byEndpoint map[netip.AddrPort]*Connection
	pending    map[*Connection]struct{}

	// FIFO of unused IDs in [1, maxClients]: lowest-first allocation,
	// freed IDs return to the back so reuse is delayed.
	availableIds []uint16

	relayFilter map[uint16]struct{}

	// HandleConnection, when set, arbitrates admission: it must eventually
	// call Accept or Reject on the connection. Unresolved connections are
	// garbage-collected after the connect timeout. When unset, every
	// connection is accepted (subject to capacity).
	HandleConnection func(c *Connection, userData []byte)

	// Bans, when set, is consulted before admission; banned addresses are
	// refused without reaching HandleConnection.
	Bans *banlist.List

	// ConnectLimit, when set, rate-limits handshake initiations from new
	// endpoints. Excess Connect datagrams are dropped before any state is
	// allocated.
	ConnectLimit *rate.Limiter

	handlers map[uint16]func(fromID uint16, m *message.Message)

	clientConnectedHandlers    []func(c *Connection)
	clientDisconnectedHandlers []func(id uint16, reason protocol.DisconnectReason)
	messageHandlers            []func(fromID uint16, m *message.Message)
}

// NewServer creates a server with the given configuration.
func NewServer(cfg Config) *Server {
	s := &Server{
		clients:     make(map[uint16]*Connection),
		byEndpoint:  make(map[netip.AddrPort]*Connection),
		pending:     make(map[*Connection]struct{}),
		relayFilter: make(map[uint16]struct{}),
		handlers:    make(map[uint16]func(fromID uint16, m *message.Message)),
	}
	s.init(cfg)
	return s
}

// OnClientConnected registers a handler invoked after a client completes
// the handshake and has its ID assigned.
func (s *Server) OnClientConnected(fn func(c *Connection)) {
	s.clientConnectedHandlers = append(s.clientConnectedHandlers, fn)
}

// OnClientDisconnected registers a handler invoked after a client leaves,
// times out or is kicked.
func (s *Server) OnClientDisconnected(fn func(id uint16, reason protocol.DisconnectReason)) {
	s.clientDisconnectedHandlers = append(s.clientDisconnectedHandlers, fn)
}

// OnMessage registers a handler for user messages without a matching typed
// handler.
func (s *Server) OnMessage(fn func(fromID uint16, m *message.Message)) {
	s.messageHandlers = append(s.messageHandlers, fn)
}

// RegisterHandler binds a message ID to a typed handler. Consulted only
// when the server was started with useMessageHandlers.
func (s *Server) RegisterHandler(id uint16, fn func(fromID uint16, m *message.Message)) {
	s.handlers[id] = fn
}

// Relay marks a message ID for relaying: inbound user messages carrying it
// are rebroadcast to every other client and skipped locally.
func (s *Server) Relay(id uint16) {
	s.relayFilter[id] = struct{}{}
}

// Start binds the transport and begins accepting up to maxClientCount
// concurrent clients.
func (s *Server) Start(port, maxClientCount int, useMessageHandlers bool) error {
	if s.running {
		return fmt.Errorf("skiff: server already running")
	}
	if maxClientCount < 1 {
		return fmt.Errorf("skiff: maxClientCount must be at least 1")
	}
	if err := s.tr.Start(port); err != nil {
		return err
	}
	message.AddPeerRef()

	s.maxClients = maxClientCount
	s.useHandlers = useMessageHandlers
	s.availableIds = s.availableIds[:0]
	for id := 1; id <= maxClientCount; id++ {
		s.availableIds = append(s.availableIds, uint16(id))
	}
	s.running = true
	s.log.Infof("skiff: server listening on %s (max %d clients)", s.tr.LocalEndpoint(), maxClientCount)
	return nil
}

// Stop notifies every client, releases all connections and closes the
// transport.
func (s *Server) Stop() {
	if !s.running {
		return
	}
	notice := protocol.Disconnect(protocol.DisconnectServerStopped, nil)
	for _, c := range s.clients {
		s.send(notice, c.remote)
		c.state = StateDisconnected
	}
	s.clients = make(map[uint16]*Connection)
	s.byEndpoint = make(map[netip.AddrPort]*Connection)
	s.pending = make(map[*Connection]struct{})
	s.running = false
	if err := s.tr.Shutdown(); err != nil {
		s.log.Warnf("skiff: transport shutdown: %v", err)
	}
	message.RemovePeerRef()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int { return len(s.clients) }

// Client returns the connection for a client ID, or nil.
func (s *Server) Client(id uint16) *Connection { return s.clients[id] }

// LocalEndpoint returns the transport's bound address. Valid after Start.
func (s *Server) LocalEndpoint() netip.AddrPort { return s.tr.LocalEndpoint() }

// Tick processes queued datagrams, fires due timers and performs
// per-connection maintenance. Single-threaded; never blocks.
func (s *Server) Tick() {
	if !s.running {
		return
	}
	s.drainInbound(s.handleDatagram)
	now := s.now()
	s.fireDue(now)
	s.maintain(now)
}

func (s *Server) maintain(now int64) {
	timeoutMs := s.cfg.Timeout.Milliseconds()
	for id, c := range s.clients {
		if c.timedOut(now, timeoutMs) {
			s.log.Infof("skiff: client %d (%s) timed out", id, c.remote)
			s.removeClient(c, protocol.DisconnectTimedOut)
			continue
		}
		c.retransmitDue(&s.peer, now)
		c.heartbeatDue(&s.peer, now)
	}
}

// ─── inbound dispatch ────────────────────────────────────────────────────────

func (s *Server) handleDatagram(dg transport.Datagram) {
	kind, err := protocol.Kind(dg.Data)
	if err != nil {
		// Garbage from a buggy peer must not harm the server.
		s.log.Warnf("skiff: malformed frame from %s: %v", dg.From, err)
		return
	}

	c := s.byEndpoint[dg.From]
	if c == nil {
		if kind == protocol.HeaderConnect {
			s.handleConnect(dg.From, protocol.ParseConnect(dg.Data))
		}
		// Anything else from an unknown endpoint is noise.
		return
	}
	c.heard(s.now())

	switch kind {
	case protocol.HeaderConnect:
		// Handshake retry: echo again so the client knows we heard it.
		s.send(protocol.Connect(nil), c.remote)

	case protocol.HeaderHeartbeat:
		echo, ts, err := protocol.ParseHeartbeat(dg.Data)
		if err != nil {
			s.log.Warnf("skiff: malformed heartbeat from %s: %v", dg.From, err)
			return
		}
		c.handleHeartbeat(&s.peer, echo, ts)

	case protocol.HeaderAck, protocol.HeaderAckExtra:
		seq, bits, err := protocol.ParseAck(dg.Data)
		if err != nil {
			s.log.Warnf("skiff: malformed ack from %s: %v", dg.From, err)
			return
		}
		c.handleAck(&s.peer, kind, seq, bits)

	case protocol.HeaderReliable:
		seq, payload, err := protocol.ParseReliable(dg.Data)
		if err != nil {
			s.log.Warnf("skiff: malformed reliable frame from %s: %v", dg.From, err)
			return
		}
		if c.handleReliable(&s.peer, seq) {
			s.deliver(c, payload, true, dg.Data)
		}

	case protocol.HeaderUnreliable:
		s.deliver(c, dg.Data[1:], false, dg.Data)

	case protocol.HeaderDisconnect:
		if c.state == StateConnected {
			s.removeClient(c, protocol.DisconnectDisconnected)
		} else {
			s.dropPending(c)
		}

	default:
		s.log.Warnf("skiff: unexpected %d frame from %s", kind, dg.From)
	}
}

// ─── admission ───────────────────────────────────────────────────────────────

func (s *Server) handleConnect(from netip.AddrPort, userData []byte) {
	if s.ConnectLimit != nil && !s.ConnectLimit.Allow() {
		return // connect flood; drop before allocating anything
	}
	if s.Bans != nil {
		if banned, why := s.Bans.Banned(from.Addr()); banned {
			s.log.Infof("skiff: refused banned address %s (%s)", from.Addr(), why)
			c := newConnection(from, StatePending, s.now())
			s.Reject(c, nil)
			return
		}
	}

	c := newConnection(from, StatePending, s.now())
	s.byEndpoint[from] = c

	// Protocol-level ack of the attempt; acceptance is decided separately.
	s.send(protocol.Connect(nil), from)

	if s.HandleConnection == nil {
		s.Accept(c)
		return
	}
	s.pending[c] = struct{}{}
	// If the callback never resolves the connection, reclaim it.
	s.schedule(s.now()+s.cfg.ConnectTimeout.Milliseconds(), func() {
		if _, still := s.pending[c]; still {
			s.log.Warnf("skiff: pending connection %s expired unresolved", c.remote)
			s.dropPending(c)
		}
	})
	s.HandleConnection(c, userData)
}

// Accept admits a pending connection: takes the client ID at the front
// of the ID FIFO, completes the handshake with Welcome and announces the
// arrival to the other clients.
func (s *Server) Accept(c *Connection) {
	delete(s.pending, c)

	if c.state != StatePending {
		s.log.Warnf("skiff: accept on %s connection to %s ignored", c.state, c.remote)
		return
	}
	if s.byEndpoint[c.remote] != c {
		// AlreadyConnected is deliberately silent on the wire.
		s.rejectInternal(c, protocol.RejectAlreadyConnected, nil)
		return
	}
	if len(s.clients) >= s.maxClients {
		s.rejectInternal(c, protocol.RejectServerFull, nil)
		return
	}

	id := s.nextID()
	if id == 0 {
		// Unreachable given the capacity guard above.
		s.log.Errorf("skiff: no client IDs available for %s", c.remote)
		s.rejectInternal(c, protocol.RejectServerFull, nil)
		return
	}

	c.id = id
	c.state = StateConnected
	s.clients[id] = c
	s.send(protocol.Welcome(id), c.remote)

	announce := protocol.ClientChange(protocol.HeaderClientConnected, id)
	for otherID, other := range s.clients {
		if otherID != id {
			s.send(announce, other.remote)
		}
	}

	s.log.Infof("skiff: client %d connected from %s", id, c.remote)
	for _, fn := range s.clientConnectedHandlers {
		fn(c)
	}
}

// Reject refuses a pending connection. A non-nil msg is delivered to the
// client as custom rejection data.
func (s *Server) Reject(c *Connection, msg *message.Message) {
	if msg != nil {
		s.rejectInternal(c, protocol.RejectCustom, msg.Bytes())
		msg.Release()
		return
	}
	s.rejectInternal(c, protocol.RejectRejected, nil)
}

func (s *Server) rejectInternal(c *Connection, reason protocol.RejectReason, custom []byte) {
	delete(s.pending, c)
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected

	if reason != protocol.RejectAlreadyConnected {
		// Multiple copies raise the odds of delivery on a lossy link; the
		// client has no reliability channel yet.
		frame := protocol.Reject(reason, custom)
		for i := 0; i < rejectResendCount; i++ {
			s.send(frame, c.remote)
		}
	}
	s.log.Infof("skiff: rejected %s: %s", c.remote, reason)

	// Keep the endpoint mapping alive briefly so handshake retries from
	// this client don't spawn a fresh pending connection while the final
	// Reject copies drain.
	s.schedule(s.now()+s.cfg.ConnectTimeout.Milliseconds(), func() {
		if s.byEndpoint[c.remote] == c {
			delete(s.byEndpoint, c.remote)
		}
	})
}

// dropPending silently discards a never-admitted connection.
func (s *Server) dropPending(c *Connection) {
	delete(s.pending, c)
	if s.byEndpoint[c.remote] == c {
		delete(s.byEndpoint, c.remote)
	}
	c.state = StateDisconnected
}

// nextID pops the front of the ID FIFO, or 0 when exhausted.
func (s *Server) nextID() uint16 {
	if len(s.availableIds) == 0 {
		return 0
	}
	id := s.availableIds[0]
	s.availableIds = s.availableIds[1:]
	return id
}

// ─── teardown ────────────────────────────────────────────────────────────────

// DisconnectClient kicks a connected client. A non-nil msg is delivered to
// the client alongside the Kicked notice.
func (s *Server) DisconnectClient(id uint16, msg *message.Message) {
	c := s.clients[id]
	if c == nil {
		s.log.Warnf("skiff: disconnect of unknown client %d ignored", id)
		return
	}
	var payload []byte
	if msg != nil {
		payload = msg.Bytes()
	}
	s.send(protocol.Disconnect(protocol.DisconnectKicked, payload), c.remote)
	if msg != nil {
		msg.Release()
	}
	s.removeClient(c, protocol.DisconnectKicked)
}

// removeClient unbinds a client, returns its ID to the allocator and
// announces the departure.
func (s *Server) removeClient(c *Connection, reason protocol.DisconnectReason) {
	delete(s.clients, c.id)
	delete(s.byEndpoint, c.remote)
	// Freed IDs go to the back: lowest-first allocation with time between
	// reuse.
	s.availableIds = append(s.availableIds, c.id)
	c.state = StateDisconnected

	announce := protocol.ClientChange(protocol.HeaderClientDisconnected, c.id)
	for _, other := range s.clients {
		s.send(announce, other.remote)
	}
	for _, fn := range s.clientDisconnectedHandlers {
		fn(c.id, reason)
	}
}

// ─── user messages ───────────────────────────────────────────────────────────

// deliver routes a received user payload: relayed IDs are rebroadcast to
// the other clients, anything else goes to the local handlers.
func (s *Server) deliver(from *Connection, payload []byte, reliable bool, rawFrame []byte) {
	if from.state != StateConnected {
		return // user traffic from a peer that never completed the handshake
	}

	if len(payload) >= 2 && len(s.relayFilter) > 0 {
		id := uint16(payload[0]) | uint16(payload[1])<<8
		if _, relay := s.relayFilter[id]; relay {
			s.relay(from, payload, reliable, rawFrame)
			return
		}
	}

	m := message.FromBytes(payload)
	defer m.Release()
	if s.useHandlers && m.Unread() >= 2 {
		id, _ := m.Uint16()
		if fn, ok := s.handlers[id]; ok {
			fn(from.id, m)
			return
		}
		m.Reset()
	}
	for _, fn := range s.messageHandlers {
		fn(from.id, m)
	}
}

// relay rebroadcasts a client's message to every other client. Unreliable
// frames are forwarded verbatim; reliable payloads are re-sequenced per
// recipient, since the sender's sequence numbers are meaningless in other
// connections' windows.
func (s *Server) relay(from *Connection, payload []byte, reliable bool, rawFrame []byte) {
	for id, c := range s.clients {
		if id == from.id {
			continue
		}
		if reliable {
			c.sendReliable(&s.peer, payload)
		} else {
			s.send(rawFrame, c.remote)
		}
	}
}

// Send transmits a user message to one client. The message is released
// back to the pool after transmission.
func (s *Server) Send(m *message.Message, toID uint16, reliable bool) error {
	c := s.clients[toID]
	if c == nil {
		m.Release()
		return fmt.Errorf("skiff: no client %d", toID)
	}
	if reliable {
		c.sendReliable(&s.peer, m.Bytes())
	} else {
		c.sendUnreliable(&s.peer, m.Bytes())
	}
	m.Release()
	return nil
}

// SendToAll transmits a user message to every client except the listed
// IDs. The message buffer is released exactly once, after the final send.
func (s *Server) SendToAll(m *message.Message, reliable bool, except ...uint16) {
	defer m.Release()
	skip := make(map[uint16]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}
	for id, c := range s.clients {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if reliable {
			c.sendReliable(&s.peer, m.Bytes())
		} else {
			c.sendUnreliable(&s.peer, m.Bytes())
		}
	}
}
