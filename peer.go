package skiff

import (
	"container/heap"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skiffnet/skiff/transport"
)

// peer is the base shared by Client and Server: the transport handle, the
// monotonic clock, and the delayed-event queue. All timestamps in the
// engine are milliseconds since the peer started.
type peer struct {
	cfg   Config
	tr    transport.Transport
	log   logrus.FieldLogger
	start time.Time

	delayed delayedQueue
}

func (p *peer) init(cfg Config) {
	p.cfg = cfg.withDefaults()
	p.tr = p.cfg.Transport
	p.log = p.cfg.Log
	p.start = time.Now()
}

// now returns milliseconds since the peer started.
func (p *peer) now() int64 {
	return time.Since(p.start).Milliseconds()
}

// send transmits a raw frame. Transport failures are logged, not fatal to
// the peer; the affected connection is torn down by its timeout clock.
func (p *peer) send(b []byte, to netip.AddrPort) {
	if err := p.tr.Send(b, to); err != nil {
		p.log.Warnf("skiff: send to %s: %v", to, err)
	}
}

// schedule enqueues fn to run during a Tick at or after fireAt.
func (p *peer) schedule(fireAt int64, fn func()) {
	heap.Push(&p.delayed, &delayedEvent{fireAt: fireAt, run: fn})
}

// fireDue runs every delayed event whose time has come, in fire-time order.
func (p *peer) fireDue(now int64) {
	for len(p.delayed) > 0 && p.delayed[0].fireAt <= now {
		ev := heap.Pop(&p.delayed).(*delayedEvent)
		ev.run()
	}
}

// drainInbound consumes every datagram queued since the last Tick, in
// arrival order, without blocking.
func (p *peer) drainInbound(handle func(transport.Datagram)) {
	for {
		select {
		case dg := <-p.tr.Incoming():
			handle(dg)
		default:
			return
		}
	}
}

// ─── delayed events ──────────────────────────────────────────────────────────

// delayedEvent is a scheduled callback: the grace-period close of rejected
// connections, pending-connection garbage collection. Heartbeats are not
// scheduled here; the per-connection maintenance pass sends them.
type delayedEvent struct {
	fireAt int64
	run    func()
	index  int
}

// delayedQueue is a min-heap keyed by fire time.
type delayedQueue []*delayedEvent

func (q delayedQueue) Len() int            { return len(q) }
func (q delayedQueue) Less(i, j int) bool  { return q[i].fireAt < q[j].fireAt }
func (q delayedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayedQueue) Push(x any) {
	ev := x.(*delayedEvent)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *delayedQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	ev.index = -1
	return ev
}
