package commitlog

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverNormalExitRebuildsWatermarks(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: dir, MappedFileSize: 1 << 16, Logger: NewSilentLogger()}.WithDefaults()
	cq := NewInMemoryConsumeQueueStore()

	cl, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	putTestMessage(t, cl, "topic-a", []byte("one"))
	last := putTestMessage(t, cl, "topic-a", []byte("two"))
	maxOffset := cl.GetMaxOffset()
	require.NoError(t, cl.Close())

	reopened, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.Recover(true, 0)
	require.NoError(t, err)
	assert.False(t, result.Truncated)
	assert.Equal(t, maxOffset, result.ValidPhysicalOffset)
	assert.Equal(t, maxOffset, reopened.GetMaxOffset())
	assert.Equal(t, last.PhysicalOffset+int64(last.encodedSize()), maxOffset)
}

func TestRecoverAbnormalExitTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: dir, MappedFileSize: 1 << 16, CheckCRCOnRecover: true, Logger: NewSilentLogger()}.WithDefaults()
	cq := NewInMemoryConsumeQueueStore()

	cl, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	first := putTestMessage(t, cl, "topic-a", []byte("one"))
	validEnd := first.PhysicalOffset + int64(first.encodedSize())

	// Simulate a torn write: append a second message whose body was
	// damaged after its CRC was computed, as a crash mid-write could leave
	// it. appendAt advances the segment's wrote position, but reopening
	// reloads the segment as full, so recovery must find the tail itself.
	second := NewBrokerInner("topic-a", 0, []byte("torn"), net.IPv4(127, 0, 0, 1), net.IPv4(127, 0, 0, 1), 1, 2)
	second.BodyCRC = crc32Checksum(second.Body)
	second.StoreTimestamp = 1
	second.BornTimestamp = 1
	enc := NewMessageExtEncoder(opts.MaxMessageSize, opts.MaxPropertiesSize)
	ok, _ := enc.Encode(second)
	require.True(t, ok)
	garbage := append([]byte(nil), enc.Bytes()...)
	garbage[fixedFrameWidth(second.Version, second.SysFlag)-3] ^= 0xFF // corrupt the first body byte

	mf := cl.queue.getLastMappedFile()
	mf.appendAt(garbage)
	require.NoError(t, cl.Close())

	reopened, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.Recover(false, 0)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, validEnd, result.ValidPhysicalOffset)
	assert.Equal(t, validEnd, reopened.GetMaxOffset())
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Path: dir, MappedFileSize: 1 << 16, Logger: NewSilentLogger()}.WithDefaults()
	cq := NewInMemoryConsumeQueueStore()

	cl, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	putTestMessage(t, cl, "topic-a", []byte("one"))
	require.NoError(t, cl.Close())

	reopened, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	defer reopened.Close()

	r1, err := reopened.Recover(true, 0)
	require.NoError(t, err)
	r2, err := reopened.Recover(true, 0)
	require.NoError(t, err)
	assert.Equal(t, r1.ValidPhysicalOffset, r2.ValidPhysicalOffset)
}

func crc32Checksum(b []byte) uint32 {
	return crcOf(b)
}
