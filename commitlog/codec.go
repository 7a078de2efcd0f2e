package commitlog

import (
	"encoding/binary"
	"hash/crc32"
	"net"

	"github.com/pkg/errors"
)

var byteOrder = binary.BigEndian

// fixedFrameWidth returns the width, in bytes, of everything in a frame
// except body/topic/properties, for the given version/sysFlag combination.
func fixedFrameWidth(version MessageVersion, sysFlag int32) int32 {
	bornHostWidth := int32(8)
	if sysFlagHasBit(sysFlag, sysFlagBornHostV6Flag) {
		bornHostWidth = 20
	}
	storeHostWidth := int32(8)
	if sysFlagHasBit(sysFlag, sysFlagStoreHostAddressV6Flag) {
		storeHostWidth = 20
	}
	return 4 + // totalSize
		4 + // magicCode
		4 + // bodyCrc
		4 + // queueId
		4 + // flag
		8 + // queueOffset
		8 + // physicalOffset
		4 + // sysFlag
		8 + // bornTimestamp
		bornHostWidth +
		8 + // storeTimestamp
		storeHostWidth +
		4 + // reconsumeTimes
		8 + // preparedTransactionOffset
		4 + // bodyLen
		int32(version.topicLengthWidth()) +
		2 // propertiesLen
}

// calcMsgLength reproduces the decoder's self-consistency check: the
// frame's self-reported total size must equal the sum of its parts.
func calcMsgLength(version MessageVersion, sysFlag int32, bodyLen, topicLen, propertiesLen int32) int32 {
	return fixedFrameWidth(version, sysFlag) + bodyLen + topicLen + propertiesLen
}

// encodeHost lays out an address: IPv4 is 4-byte addr + 4-byte port; IPv6 is
// 16-byte addr + 4-byte port.
func encodeHost(buf []byte, ip net.IP, port int32, v6 bool) {
	if v6 {
		copy(buf[0:16], ip.To16())
		byteOrder.PutUint32(buf[16:20], uint32(port))
		return
	}
	copy(buf[0:4], ip.To4())
	byteOrder.PutUint32(buf[4:8], uint32(port))
}

// MessageExtEncoder is the stateful, per-writer scratch encoder used to
// avoid a fresh allocation on every append. It is never shared across
// writers; encoderpool.go is the only thing that hands one out.
type MessageExtEncoder struct {
	maxMessageSize    int32
	maxPropertiesSize int32
	buf               []byte
}

// NewMessageExtEncoder allocates an encoder sized for the configured caps.
func NewMessageExtEncoder(maxMessageSize, maxPropertiesSize int32) *MessageExtEncoder {
	return &MessageExtEncoder{
		maxMessageSize:    maxMessageSize,
		maxPropertiesSize: maxPropertiesSize,
		buf:               make([]byte, 0, 4096),
	}
}

// Encode serializes msg into the encoder's reusable scratch buffer per the
// on-disk frame layout, reading msg.SysFlag/Version/BodyCRC as the caller
// set them, and records the encoded bytes on msg as a side effect. It
// returns an AppendMessageStatus-level failure
// (AppendPropertiesSizeExceeded/AppendMessageSizeExceeded) when the encoded
// frame would exceed the configured caps; ok reports whether encoding
// succeeded.
func (e *MessageExtEncoder) Encode(msg *MessageExtBrokerInner) (ok bool, status AppendMessageStatus) {
	properties := encodeProperties(msg.Properties)
	if len(properties) > int(e.maxPropertiesSize) {
		return false, AppendPropertiesSizeExceeded
	}

	topic := []byte(msg.Topic)
	version := msg.Version
	if len(topic) > 0xFF && version == V1 {
		// Caller should have selected V2 already; this is a defensive re-check,
		// not a silent promotion.
		return false, AppendMessageSizeExceeded
	}

	total := calcMsgLength(version, msg.SysFlag, int32(len(msg.Body)), int32(len(topic)), int32(len(properties)))
	if total > e.maxMessageSize {
		return false, AppendMessageSizeExceeded
	}

	if cap(e.buf) < int(total) {
		e.buf = make([]byte, total)
	} else {
		e.buf = e.buf[:total]
	}
	buf := e.buf

	off := 0
	byteOrder.PutUint32(buf[off:], uint32(total))
	off += 4
	byteOrder.PutUint32(buf[off:], uint32(version.magic()))
	off += 4
	byteOrder.PutUint32(buf[off:], msg.BodyCRC)
	off += 4
	byteOrder.PutUint32(buf[off:], uint32(msg.QueueID))
	off += 4
	byteOrder.PutUint32(buf[off:], uint32(msg.Flag))
	off += 4
	byteOrder.PutUint64(buf[off:], uint64(msg.QueueOffset))
	off += 8
	byteOrder.PutUint64(buf[off:], uint64(msg.PhysicalOffset))
	off += 8
	byteOrder.PutUint32(buf[off:], uint32(msg.SysFlag))
	off += 4
	byteOrder.PutUint64(buf[off:], uint64(msg.BornTimestamp))
	off += 8

	bornV6 := sysFlagHasBit(msg.SysFlag, sysFlagBornHostV6Flag)
	bornWidth := 8
	if bornV6 {
		bornWidth = 20
	}
	encodeHost(buf[off:off+bornWidth], msg.BornHost, msg.BornPort, bornV6)
	off += bornWidth

	byteOrder.PutUint64(buf[off:], uint64(msg.StoreTimestamp))
	off += 8

	storeV6 := sysFlagHasBit(msg.SysFlag, sysFlagStoreHostAddressV6Flag)
	storeWidth := 8
	if storeV6 {
		storeWidth = 20
	}
	encodeHost(buf[off:off+storeWidth], msg.StoreHost, msg.StorePort, storeV6)
	off += storeWidth

	byteOrder.PutUint32(buf[off:], uint32(msg.ReconsumeTimes))
	off += 4
	byteOrder.PutUint64(buf[off:], uint64(msg.PreparedTransactionOffset))
	off += 8

	byteOrder.PutUint32(buf[off:], uint32(len(msg.Body)))
	off += 4
	off += copy(buf[off:], msg.Body)

	if version == V2 {
		byteOrder.PutUint16(buf[off:], uint16(len(topic)))
		off += 2
	} else {
		buf[off] = byte(len(topic))
		off++
	}
	off += copy(buf[off:], topic)

	byteOrder.PutUint16(buf[off:], uint16(len(properties)))
	off += 2
	off += copy(buf[off:], properties)

	msg.encodedBuf = buf
	return true, AppendOk
}

// Bytes returns the buffer produced by the last successful Encode call.
func (e *MessageExtEncoder) Bytes() []byte { return e.buf }

// encodeProperties renders a map into the domain's "key1" + SEP + "val1" +
// PROP_SEP text encoding used throughout the frame properties blob and the
// DUP_INFO/INNER_NUM/INNER_BASE conventions.
const (
	propNameValueSeparator = '\x01'
	propSeparator          = '\x02'
)

func encodeProperties(props map[string]string) []byte {
	if len(props) == 0 {
		return nil
	}
	var out []byte
	for k, v := range props {
		out = append(out, k...)
		out = append(out, propNameValueSeparator)
		out = append(out, v...)
		out = append(out, propSeparator)
	}
	return out
}

func decodeProperties(buf []byte) map[string]string {
	props := make(map[string]string)
	if len(buf) == 0 {
		return props
	}
	var key []byte
	var val []byte
	inVal := false
	for _, b := range buf {
		switch b {
		case propNameValueSeparator:
			inVal = true
		case propSeparator:
			if len(key) > 0 {
				props[string(key)] = string(val)
			}
			key, val, inVal = nil, nil, false
		default:
			if inVal {
				val = append(val, b)
			} else {
				key = append(key, b)
			}
		}
	}
	return props
}

// tagsCode hashes a tag string into the int64 used for consume-queue
// filtering. The exact algorithm isn't part of this engine's public
// contract; only the dispatcher that consumes it cares, so a CRC32 fold is
// used here.
func tagsCode(tags string) int64 {
	if tags == "" {
		return 0
	}
	return int64(crc32.ChecksumIEEE([]byte(tags)))
}

// DispatchRequest is the parsed, in-memory summary of one frame.
type DispatchRequest struct {
	Success                   bool
	Topic                     string
	QueueID                   int32
	CommitLogOffset           int64
	MsgSize                   int32
	TagsCode                  int64
	StoreTimestamp            int64
	ConsumeQueueOffset        int64
	Keys                      string
	UniqKey                   string
	SysFlag                   int32
	PreparedTransactionOffset int64
	PropertiesMap             map[string]string
	MsgBaseOffset             int64
	BatchSize                 int16
}

// checkMessageAndReturnSize decodes one frame starting at the head of buf
// and produces a DispatchRequest. A BLANK_MAGIC sentinel yields
// {Success:true, MsgSize:0}; any validation failure yields {Success:false}
// and is a truncation point for the caller, never a propagating error.
func checkMessageAndReturnSize(buf []byte, checkCRC, checkDupInfo, forceVerifyPropCRC bool) DispatchRequest {
	if len(buf) < 8 {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	totalSize := int32(byteOrder.Uint32(buf[0:4]))
	magic := int32(byteOrder.Uint32(buf[4:8]))

	if magic == MagicBlank {
		return DispatchRequest{Success: true, MsgSize: 0}
	}
	version, ok := versionFromMagic(magic)
	if !ok {
		return DispatchRequest{Success: false, MsgSize: -1}
	}

	// Fixed prefix after totalSize+magicCode: bodyCrc, queueId, flag,
	// queueOffset, physicOffset, sysFlag, bornTimestamp.
	const prefixOff = 8
	if len(buf) < prefixOff+4+4+4+8+8+4+8 {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	off := prefixOff
	bodyCRC := byteOrder.Uint32(buf[off:])
	off += 4
	queueID := int32(byteOrder.Uint32(buf[off:]))
	off += 4
	off += 4 // flag, unused by the dispatch request
	queueOffset := int64(byteOrder.Uint64(buf[off:]))
	off += 8
	physicOffset := int64(byteOrder.Uint64(buf[off:]))
	off += 8
	sysFlag := int32(byteOrder.Uint32(buf[off:]))
	off += 4
	off += 8 // bornTimestamp, unused by the dispatch request

	bornV6 := sysFlagHasBit(sysFlag, sysFlagBornHostV6Flag)
	bornWidth := 8
	if bornV6 {
		bornWidth = 20
	}
	if len(buf) < off+bornWidth+8 {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	off += bornWidth // bornHost, unused by the dispatch request

	storeTimestamp := int64(byteOrder.Uint64(buf[off:]))
	off += 8

	storeV6 := sysFlagHasBit(sysFlag, sysFlagStoreHostAddressV6Flag)
	storeWidth := 8
	if storeV6 {
		storeWidth = 20
	}
	if len(buf) < off+storeWidth+4+8+4 {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	off += storeWidth // storeHost, unused by the dispatch request
	off += 4          // reconsumeTimes, unused by the dispatch request
	preparedTxOffset := int64(byteOrder.Uint64(buf[off:]))
	off += 8

	bodyLen := int32(byteOrder.Uint32(buf[off:]))
	off += 4
	if bodyLen < 0 || len(buf) < off+int(bodyLen) {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	body := buf[off : off+int(bodyLen)]
	off += int(bodyLen)

	if checkCRC && !forceVerifyPropCRC {
		if crc32.ChecksumIEEE(body) != bodyCRC {
			return DispatchRequest{Success: false, MsgSize: -1}
		}
	}

	topicLenWidth := version.topicLengthWidth()
	if len(buf) < off+topicLenWidth {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	var topicLen int32
	if topicLenWidth == 2 {
		topicLen = int32(byteOrder.Uint16(buf[off:]))
	} else {
		topicLen = int32(buf[off])
	}
	off += topicLenWidth
	if len(buf) < off+int(topicLen) {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	topic := string(buf[off : off+int(topicLen)])
	off += int(topicLen)

	if len(buf) < off+2 {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	propertiesLen := int32(byteOrder.Uint16(buf[off:]))
	off += 2
	if propertiesLen < 0 || len(buf) < off+int(propertiesLen) {
		return DispatchRequest{Success: false, MsgSize: -1}
	}
	propertiesMap := decodeProperties(buf[off : off+int(propertiesLen)])
	off += int(propertiesLen)

	var keys, uniqKey string
	var tc int64
	if propertiesLen > 0 {
		keys = propertiesMap[PropertyKeys]
		uniqKey = propertiesMap[PropertyUniqClientKey]
		if checkDupInfo {
			dupInfo, ok := propertiesMap[PropertyDupInfo]
			if !ok {
				return DispatchRequest{Success: false, MsgSize: -1}
			}
			parts := splitOnce(dupInfo, '_')
			if parts == nil {
				return DispatchRequest{Success: false, MsgSize: -1}
			}
		}
		tc = tagsCode(propertiesMap[PropertyTags])
	}

	readLength := calcMsgLength(version, sysFlag, bodyLen, topicLen, propertiesLen)
	if totalSize != readLength {
		return DispatchRequest{Success: false, MsgSize: totalSize}
	}

	req := DispatchRequest{
		Success:                   true,
		Topic:                     topic,
		QueueID:                   queueID,
		CommitLogOffset:           physicOffset,
		MsgSize:                   totalSize,
		TagsCode:                  tc,
		StoreTimestamp:            storeTimestamp,
		ConsumeQueueOffset:        queueOffset,
		Keys:                      keys,
		UniqKey:                   uniqKey,
		SysFlag:                   sysFlag,
		PreparedTransactionOffset: preparedTxOffset,
		PropertiesMap:             propertiesMap,
	}
	setBatchSizeIfNeeded(propertiesMap, &req)
	return req
}

// setBatchSizeIfNeeded fills in MsgBaseOffset/BatchSize for inner-batch
// messages when the frame carries both INNER_BASE and INNER_NUM properties.
func setBatchSizeIfNeeded(props map[string]string, req *DispatchRequest) {
	baseStr, hasBase := props[PropertyInnerBase]
	numStr, hasNum := props[PropertyInnerNum]
	if !hasBase || !hasNum {
		return
	}
	base, err := parseIntStrict(baseStr)
	if err != nil {
		return
	}
	num, err := parseIntStrict(numStr)
	if err != nil {
		return
	}
	req.MsgBaseOffset = base
	req.BatchSize = int16(num)
}

func parseIntStrict(s string) (int64, error) {
	var v int64
	if s == "" {
		return 0, errors.New("commitlog: empty integer")
	}
	neg := false
	i := 0
	if s[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(s) {
		return 0, errors.New("commitlog: empty integer")
	}
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errors.Errorf("commitlog: invalid integer %q", s)
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

// splitOnce verifies dupInfo is of the form "a_b" and returns the two
// parts, or nil if malformed.
func splitOnce(s string, sep byte) []string {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if idx != -1 {
				// More than one separator: not "a_b".
				return nil
			}
			idx = i
		}
	}
	if idx <= 0 || idx == len(s)-1 {
		return nil
	}
	return []string{s[:idx], s[idx+1:]}
}
