package commitlog

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCommitLog(t *testing.T, fileSize int64) (*CommitLog, ConsumeQueueStore) {
	t.Helper()
	cq := NewInMemoryConsumeQueueStore()
	opts := Options{
		Path:           t.TempDir(),
		MappedFileSize: fileSize,
		Logger:         NewSilentLogger(),
	}.WithDefaults()
	cl, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl, cq
}

func putTestMessage(t *testing.T, cl *CommitLog, topic string, body []byte) *MessageExtBrokerInner {
	t.Helper()
	msg := NewBrokerInner(topic, 0, body, net.IPv4(127, 0, 0, 1), net.IPv4(127, 0, 0, 1), 1, 2)
	status := cl.PutMessage("writer-1", msg)
	require.Equal(t, PutOk, status)
	return msg
}

func TestPutMessageAssignsMonotonicPhysicalOffsets(t *testing.T) {
	cl, _ := openTestCommitLog(t, 1<<20)

	first := putTestMessage(t, cl, "topic-a", []byte("one"))
	second := putTestMessage(t, cl, "topic-a", []byte("two"))

	assert.Less(t, first.PhysicalOffset, second.PhysicalOffset)
	assert.Equal(t, cl.GetMaxOffset(), second.PhysicalOffset+int64(second.encodedSize()))
}

func TestPutMessageAssignsContiguousQueueOffsetsPerQueue(t *testing.T) {
	cl, _ := openTestCommitLog(t, 1<<20)

	m1 := putTestMessage(t, cl, "topic-a", []byte("x"))
	m2 := putTestMessage(t, cl, "topic-a", []byte("y"))
	m3 := putTestMessage(t, cl, "topic-b", []byte("z"))

	assert.EqualValues(t, 0, m1.QueueOffset)
	assert.EqualValues(t, 1, m2.QueueOffset)
	assert.EqualValues(t, 0, m3.QueueOffset)
}

func TestPutMessageRollsSegmentAtBoundary(t *testing.T) {
	cl, _ := openTestCommitLog(t, 256)

	var last *MessageExtBrokerInner
	for i := 0; i < 10; i++ {
		last = putTestMessage(t, cl, "topic-a", []byte("0123456789"))
	}

	files := cl.queue.snapshot()
	assert.Greater(t, len(files), 1)
	assert.Equal(t, files[len(files)-1].fileFromOffset+files[len(files)-1].wrotePosition, last.PhysicalOffset+int64(last.encodedSize()))
}

func TestPutMessageRejectsOversizedBody(t *testing.T) {
	cq := NewInMemoryConsumeQueueStore()
	opts := Options{
		Path:           t.TempDir(),
		MappedFileSize: 1 << 20,
		MaxMessageSize: 32,
		Logger:         NewSilentLogger(),
	}.WithDefaults()
	cl, err := Open(opts, Dependencies{ConsumeQueueStore: cq})
	require.NoError(t, err)
	defer cl.Close()

	msg := NewBrokerInner("topic-a", 0, make([]byte, 128), net.IPv4(127, 0, 0, 1), net.IPv4(127, 0, 0, 1), 1, 2)
	status := cl.PutMessage("writer-1", msg)
	assert.Equal(t, MessageIllegal, status)
}

func TestGetDataReturnsWrittenBytes(t *testing.T) {
	cl, _ := openTestCommitLog(t, 1<<20)
	msg := putTestMessage(t, cl, "topic-a", []byte("payload"))

	buf, err := cl.GetDataFrom(msg.PhysicalOffset)
	require.NoError(t, err)
	req := checkMessageAndReturnSize(buf, false, false, false)
	require.True(t, req.Success)
	assert.Equal(t, "topic-a", req.Topic)
}

// encodedSize recomputes a message's frame length for test assertions
// without reaching into the encoder's private scratch buffer.
func (m *MessageExtBrokerInner) encodedSize() int32 {
	properties := encodeProperties(m.Properties)
	return calcMsgLength(m.Version, m.SysFlag, int32(len(m.Body)), int32(len(m.Topic)), int32(len(properties)))
}
