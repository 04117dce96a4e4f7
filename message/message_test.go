package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadSequence(t *testing.T) {
	m := Get()
	defer m.Release()

	require.NoError(t, m.AddUint8(0xab))
	require.NoError(t, m.AddBool(true))
	require.NoError(t, m.AddUint16(0xbeef))
	require.NoError(t, m.AddUint32(0xdeadbeef))
	require.NoError(t, m.AddUint64(0x0102030405060708))
	require.NoError(t, m.AddBytes([]byte{1, 2, 3}))
	require.NoError(t, m.AddString("hello"))

	u8, err := m.Uint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0xab), u8)

	b, err := m.Bool()
	require.NoError(t, err)
	require.True(t, b)

	u16, err := m.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), u16)

	u32, err := m.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), u32)

	u64, err := m.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	bs, err := m.Bytes16()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, bs)

	s, err := m.String16()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	require.Zero(t, m.Unread())
}

func TestReadPastEnd(t *testing.T) {
	m := Get()
	defer m.Release()

	require.NoError(t, m.AddUint8(1))
	_, err := m.Uint16()
	require.ErrorIs(t, err, ErrShortRead)
}

func TestOverflow(t *testing.T) {
	m := Get()
	defer m.Release()

	big := make([]byte, MaxSize)
	err := m.AddBytes(big)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestGetWithIDPrefix(t *testing.T) {
	m := GetWithID(42)
	defer m.Release()

	id, err := m.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(42), id)
}

func TestFromBytesCopies(t *testing.T) {
	src := []byte{9, 8, 7}
	m := FromBytes(src)
	defer m.Release()

	src[0] = 0
	v, err := m.Uint8()
	require.NoError(t, err)
	require.Equal(t, uint8(9), v)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	m := Get()
	m.Release()
	m.Release() // logged, not fatal

	// The buffer must appear in the free list exactly once: two Gets must
	// not return the same instance.
	a := Get()
	b := Get()
	require.NotSame(t, a, b)
	a.Release()
	b.Release()
}

func TestPoolReuse(t *testing.T) {
	m := Get()
	m.AddUint32(1)
	m.Release()

	n := Get()
	defer n.Release()
	require.Zero(t, n.Len())
	require.Zero(t, n.Unread())
}
