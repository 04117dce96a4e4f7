// Package message provides the pooled, framed byte buffer that user
// payloads are built in and read from.
//
// A Message is a cursor-based little-endian codec over a fixed-capacity
// buffer. Writers append typed values; readers consume them in the same
// order. Buffers come from a free-list pool; Release returns them for
// reuse. Each buffer carries a released flag, so a double release is
// detected and logged (with the buffer's generation tag) instead of
// corrupting the free list.
package message

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxSize is the largest payload that fits in a single datagram alongside
// the protocol framing.
const MaxSize = 1225

var (
	ErrShortRead    = errors.New("message: read past end of message")
	ErrOverflow     = errors.New("message: write exceeds max message size")
	ErrBytesTooLong = errors.New("message: byte slice exceeds length prefix range")
)

// Message is a framed byte buffer with independent read and write cursors.
type Message struct {
	buf     []byte
	readPos int

	gen      uint32
	released bool
}

// Get obtains a fresh Message from the pool.
func Get() *Message {
	return defaultPool.get()
}

// GetWithID obtains a Message and writes the leading 2-byte message ID used
// by handler dispatch and relay filtering.
func GetWithID(id uint16) *Message {
	m := Get()
	m.AddUint16(id)
	return m
}

// FromBytes wraps received payload bytes in a pooled Message for reading.
// The bytes are copied; the caller keeps ownership of b.
func FromBytes(b []byte) *Message {
	m := Get()
	m.buf = append(m.buf, b...)
	return m
}

// Release returns the message to the pool. Safe to call more than once;
// the second release is a logged no-op.
func (m *Message) Release() {
	defaultPool.put(m)
}

// Bytes returns the written payload. The slice aliases the message buffer
// and is invalidated by Release.
func (m *Message) Bytes() []byte { return m.buf }

// Len returns the number of written bytes.
func (m *Message) Len() int { return len(m.buf) }

// Unread returns how many bytes remain for reading.
func (m *Message) Unread() int { return len(m.buf) - m.readPos }

// Reset rewinds the read cursor to the start of the message.
func (m *Message) Reset() { m.readPos = 0 }

func (m *Message) grow(n int) ([]byte, error) {
	if len(m.buf)+n > MaxSize {
		return nil, ErrOverflow
	}
	off := len(m.buf)
	m.buf = append(m.buf, make([]byte, n)...)
	return m.buf[off:], nil
}

// AddUint8 appends a single byte.
func (m *Message) AddUint8(v uint8) error {
	b, err := m.grow(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// AddBool appends a bool as one byte.
func (m *Message) AddBool(v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return m.AddUint8(b)
}

// AddUint16 appends a little-endian uint16.
func (m *Message) AddUint16(v uint16) error {
	b, err := m.grow(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// AddUint32 appends a little-endian uint32.
func (m *Message) AddUint32(v uint32) error {
	b, err := m.grow(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// AddUint64 appends a little-endian uint64.
func (m *Message) AddUint64(v uint64) error {
	b, err := m.grow(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// AddBytes appends a byte slice with a 2-byte length prefix.
func (m *Message) AddBytes(v []byte) error {
	if len(v) > 0xffff {
		return ErrBytesTooLong
	}
	if err := m.AddUint16(uint16(len(v))); err != nil {
		return err
	}
	b, err := m.grow(len(v))
	if err != nil {
		return err
	}
	copy(b, v)
	return nil
}

// AddString appends a string with a 2-byte length prefix.
func (m *Message) AddString(v string) error {
	return m.AddBytes([]byte(v))
}

func (m *Message) take(n int) ([]byte, error) {
	if m.readPos+n > len(m.buf) {
		return nil, ErrShortRead
	}
	b := m.buf[m.readPos:]
	m.readPos += n
	return b, nil
}

// Uint8 reads a single byte.
func (m *Message) Uint8() (uint8, error) {
	b, err := m.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads a bool.
func (m *Message) Bool() (bool, error) {
	v, err := m.Uint8()
	return v != 0, err
}

// Uint16 reads a little-endian uint16.
func (m *Message) Uint16() (uint16, error) {
	b, err := m.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (m *Message) Uint32() (uint32, error) {
	b, err := m.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (m *Message) Uint64() (uint64, error) {
	b, err := m.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bytes16 reads a 2-byte-length-prefixed byte slice. The result is a copy.
func (m *Message) Bytes16() ([]byte, error) {
	n, err := m.Uint16()
	if err != nil {
		return nil, err
	}
	b, err := m.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, nil
}

// String16 reads a 2-byte-length-prefixed string.
func (m *Message) String16() (string, error) {
	b, err := m.Bytes16()
	return string(b), err
}

// ─── pool ────────────────────────────────────────────────────────────────────

// pool is a free-list of message buffers shared by all peers in the
// process. The active-peer counter gates its lifetime: when the last peer
// stops, the free list is dropped so a long-lived process does not pin the
// high-water mark's worth of memory.
type pool struct {
	mu        sync.Mutex
	free      []*Message
	peers     int
	highWater int

	log logrus.FieldLogger
}

var defaultPool = &pool{log: logrus.StandardLogger()}

// AddPeerRef registers a running peer with the pool.
func AddPeerRef() {
	defaultPool.mu.Lock()
	defaultPool.peers++
	defaultPool.mu.Unlock()
}

// RemovePeerRef deregisters a peer. When the last peer stops, the pool is
// torn down.
func RemovePeerRef() {
	p := defaultPool
	p.mu.Lock()
	p.peers--
	if p.peers <= 0 {
		p.peers = 0
		p.free = nil
	}
	p.mu.Unlock()
}

// HighWater reports the largest number of simultaneously pooled buffers
// observed.
func HighWater() int {
	defaultPool.mu.Lock()
	defer defaultPool.mu.Unlock()
	return defaultPool.highWater
}

func (p *pool) get() *Message {
	p.mu.Lock()
	var m *Message
	if n := len(p.free); n > 0 {
		m = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if m == nil {
		m = &Message{buf: make([]byte, 0, MaxSize)}
	}
	m.buf = m.buf[:0]
	m.readPos = 0
	m.released = false
	m.gen++
	return m
}

func (p *pool) put(m *Message) {
	if m == nil {
		return
	}
	p.mu.Lock()
	if m.released {
		p.mu.Unlock()
		p.log.Warnf("message: double release of buffer (gen %d)", m.gen)
		return
	}
	m.released = true
	p.free = append(p.free, m)
	if len(p.free) > p.highWater {
		p.highWater = len(p.free)
	}
	p.mu.Unlock()
}
