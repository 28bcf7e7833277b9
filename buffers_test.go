package conduit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolSizeClasses(t *testing.T) {
	cfg := DefaultConfig()
	p := NewBufferPool(cfg)

	small := p.Acquire(100)
	assert.Len(t, small, 100)
	assert.Equal(t, cfg.SmallBufferSize, cap(small))

	mid := p.Acquire(cfg.SmallBufferSize + 1)
	assert.Equal(t, cfg.TCPBufferSize, cap(mid))

	big := p.Acquire(3 * cfg.TCPBufferSize)
	assert.Equal(t, 4*cfg.TCPBufferSize, cap(big))

	p.Release(small)
	p.Release(mid)
	p.Release(big)
}

func TestBufferPoolOffClassAllocation(t *testing.T) {
	cfg := DefaultConfig()
	p := NewBufferPool(cfg)

	huge := p.Acquire(10 * cfg.TCPBufferSize)
	require.Len(t, huge, 10*cfg.TCPBufferSize)
	p.Release(huge) // off-class, silently dropped
	p.Release(nil)  // tolerated
}

func TestBufferPoolReuse(t *testing.T) {
	cfg := DefaultConfig()
	p := NewBufferPool(cfg)

	a := p.Acquire(cfg.TCPBufferSize)
	a[0] = 0xAB
	p.Release(a)

	b := p.Acquire(cfg.TCPBufferSize)
	assert.Equal(t, cfg.TCPBufferSize, cap(b))
	p.Release(b)
}

func TestDestreamerAccounting(t *testing.T) {
	d := newMsgDestreamer(7)
	d.addChunk([]byte("abc"), false)
	d.addChunk([]byte("defg"), true)
	assert.Equal(t, 7, d.size())
	assert.Equal(t, 7, d.wireBytes)

	msg := d.assemble()
	assert.Equal(t, []byte("abcdefg"), msg.Payload)
	assert.Equal(t, uint16(7), msg.MsgID)
	assert.True(t, msg.DirectAck, "final chunk's flag governs the message")
}
