package commitlog

import (
	"hash/crc32"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(topic string, body []byte) *MessageExtBrokerInner {
	return NewBrokerInner(topic, 0, body, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 10911, 10912)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := newTestMessage("orders", []byte("hello world"))
	msg.Properties[PropertyKeys] = "order-42"
	msg.Properties[PropertyTags] = "priority"
	msg.BodyCRC = crcOf(msg.Body)
	msg.StoreTimestamp = 1700000000000
	msg.BornTimestamp = 1700000000000
	msg.PhysicalOffset = 1024
	msg.QueueOffset = 7

	enc := NewMessageExtEncoder(defaultMaxMessageSize, defaultPropertiesMaxLen)
	ok, status := enc.Encode(msg)
	require.True(t, ok, "status=%s", status)

	frame := enc.Bytes()
	req := checkMessageAndReturnSize(frame, true, false, false)
	require.True(t, req.Success)
	assert.Equal(t, "orders", req.Topic)
	assert.Equal(t, "order-42", req.Keys)
	assert.Equal(t, int64(1700000000000), req.StoreTimestamp)
	assert.Equal(t, int32(len(frame)), req.MsgSize)
}

func TestEncodeDecodeV2Topic(t *testing.T) {
	longTopic := make([]byte, 300)
	for i := range longTopic {
		longTopic[i] = 'a'
	}
	msg := newTestMessage(string(longTopic), []byte("x"))
	msg.Version = V2
	msg.BodyCRC = crcOf(msg.Body)

	enc := NewMessageExtEncoder(defaultMaxMessageSize, defaultPropertiesMaxLen)
	ok, _ := enc.Encode(msg)
	require.True(t, ok)

	req := checkMessageAndReturnSize(enc.Bytes(), false, false, false)
	require.True(t, req.Success)
	assert.Equal(t, 300, len(req.Topic))
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	msg := newTestMessage("t", make([]byte, 128))
	enc := NewMessageExtEncoder(64, defaultPropertiesMaxLen)
	ok, status := enc.Encode(msg)
	assert.False(t, ok)
	assert.Equal(t, AppendMessageSizeExceeded, status)
}

func TestDecodeDetectsLengthMismatch(t *testing.T) {
	msg := newTestMessage("t", []byte("payload"))
	msg.BodyCRC = crcOf(msg.Body)
	enc := NewMessageExtEncoder(defaultMaxMessageSize, defaultPropertiesMaxLen)
	ok, _ := enc.Encode(msg)
	require.True(t, ok)

	frame := append([]byte(nil), enc.Bytes()...)
	byteOrder.PutUint32(frame[0:4], uint32(len(frame)+1))

	req := checkMessageAndReturnSize(frame, false, false, false)
	assert.False(t, req.Success)
}

func TestDecodeDetectsBadCRC(t *testing.T) {
	msg := newTestMessage("t", []byte("payload"))
	msg.BodyCRC = 0xDEADBEEF // deliberately wrong
	enc := NewMessageExtEncoder(defaultMaxMessageSize, defaultPropertiesMaxLen)
	ok, _ := enc.Encode(msg)
	require.True(t, ok)

	req := checkMessageAndReturnSize(enc.Bytes(), true, false, false)
	assert.False(t, req.Success)
}

func TestDecodeBlankMarker(t *testing.T) {
	buf := make([]byte, 16)
	byteOrder.PutUint32(buf[0:4], 8)
	byteOrder.PutUint32(buf[4:8], uint32(MagicBlank))

	req := checkMessageAndReturnSize(buf, false, false, false)
	assert.True(t, req.Success)
	assert.EqualValues(t, 0, req.MsgSize)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	msg := newTestMessage("t", []byte("payload"))
	msg.BodyCRC = crcOf(msg.Body)
	enc := NewMessageExtEncoder(defaultMaxMessageSize, defaultPropertiesMaxLen)
	ok, _ := enc.Encode(msg)
	require.True(t, ok)

	truncated := enc.Bytes()[:len(enc.Bytes())-10]
	req := checkMessageAndReturnSize(truncated, false, false, false)
	assert.False(t, req.Success)
}

func crcOf(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}
