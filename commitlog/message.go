package commitlog

import (
	"net"
	"strconv"

	"github.com/nats-io/nuid"
)

// MessageVersion selects the topic-length field width in the on-disk frame:
// 1 byte for V1, 2 bytes for V2.
type MessageVersion int

const (
	V1 MessageVersion = iota
	V2
)

func (v MessageVersion) topicLengthWidth() int {
	if v == V2 {
		return 2
	}
	return 1
}

// Magic codes identifying a frame's version, or the end-of-segment blank
// marker.
const (
	MagicV1    int32 = -626843481  // 0xDAA320A7
	MagicV2    int32 = MagicV1 + 1 // 0xDAA320A8
	MagicBlank int32 = -875286124  // 0xCBD43194
)

func versionFromMagic(magic int32) (MessageVersion, bool) {
	switch magic {
	case MagicV1:
		return V1, true
	case MagicV2:
		return V2, true
	default:
		return 0, false
	}
}

func (v MessageVersion) magic() int32 {
	if v == V2 {
		return MagicV2
	}
	return MagicV1
}

// sysFlag bits.
const (
	sysFlagCompressed              int32 = 1 << 0
	sysFlagMultiTags               int32 = 1 << 1
	sysFlagTransactionNotType       int32 = 0
	sysFlagTransactionPreparedType  int32 = 1 << 2
	sysFlagTransactionCommitType    int32 = 2 << 2
	sysFlagTransactionRollbackType  int32 = 3 << 2
	sysFlagTransactionMask         int32 = 3 << 2
	sysFlagBornHostV6Flag          int32 = 1 << 4
	sysFlagStoreHostAddressV6Flag  int32 = 1 << 5
	sysFlagInnerBatchFlag          int32 = 1 << 6
)

func transactionType(sysFlag int32) int32 {
	return sysFlag & sysFlagTransactionMask
}

func sysFlagHasBit(sysFlag, bit int32) bool { return sysFlag&bit != 0 }

// Well-known property keys carried alongside a message's body.
const (
	PropertyKeys          = "KEYS"
	PropertyTags          = "TAGS"
	PropertyUniqClientKey = "UNIQ_KEY"
	PropertyCRC32         = "CRC32"
	PropertyDupInfo       = "DUP_INFO"
	PropertyInnerNum      = "INNER_NUM"
	PropertyInnerBase     = "INNER_BASE"
	PropertyWaitStoreOK   = "WAIT_STORE_MSG_OK"
)

// MessageExtBrokerInner is the in-memory representation of a message as it
// flows from producer intake through the append engine.
type MessageExtBrokerInner struct {
	Topic       string
	QueueID     int32
	Flag        int32
	Body        []byte
	Properties  map[string]string
	BornHost    net.IP
	BornPort    int32
	StoreHost   net.IP
	StorePort   int32
	ReconsumeTimes int32
	PreparedTransactionOffset int64

	// Populated/mutated during PutMessage.
	Version        MessageVersion
	SysFlag        int32
	BodyCRC        uint32
	QueueOffset    int64
	PhysicalOffset int64
	BornTimestamp  int64
	StoreTimestamp int64

	encodedBuf []byte
}

// NewBrokerInner builds a MessageExtBrokerInner ready for PutMessage. If the
// caller hasn't set a UNIQ_KEY property, one is stamped using nuid, mirroring
// how a producer client assigns a client message ID before submission.
func NewBrokerInner(topic string, queueID int32, body []byte, bornHost, storeHost net.IP, bornPort, storePort int32) *MessageExtBrokerInner {
	m := &MessageExtBrokerInner{
		Topic:      topic,
		QueueID:    queueID,
		Body:       body,
		Properties: make(map[string]string),
		BornHost:   bornHost,
		BornPort:   bornPort,
		StoreHost:  storeHost,
		StorePort:  storePort,
	}
	if _, ok := m.Properties[PropertyUniqClientKey]; !ok {
		m.Properties[PropertyUniqClientKey] = nuid.Next()
	}
	return m
}

// WithTransactionType sets the transaction bits of sysFlag.
func (m *MessageExtBrokerInner) WithTransactionType(t int32) {
	m.SysFlag = (m.SysFlag &^ sysFlagTransactionMask) | (t & sysFlagTransactionMask)
}

// TransactionType returns the transaction bits of sysFlag.
func (m *MessageExtBrokerInner) TransactionType() int32 {
	return transactionType(m.SysFlag)
}

// IsWaitStoreMsgOK reports whether the producer asked to wait for the
// message to be durably stored (and, when eligible, HA-acked) before acking.
func (m *MessageExtBrokerInner) IsWaitStoreMsgOK() bool {
	v, ok := m.Properties[PropertyWaitStoreOK]
	return !ok || v != "false"
}

// DeleteProperty removes a property, e.g. stripping the reserved CRC32
// property when property-CRC append is disabled.
func (m *MessageExtBrokerInner) DeleteProperty(key string) {
	delete(m.Properties, key)
}

// messageNum returns how many consume-queue logical slots this message
// occupies: INNER_NUM for inner-batch messages, else 1.
func (m *MessageExtBrokerInner) messageNum() int16 {
	if !sysFlagHasBit(m.SysFlag, sysFlagInnerBatchFlag) {
		return 1
	}
	if v, ok := m.Properties[PropertyInnerNum]; ok {
		if n, err := strconv.ParseInt(v, 10, 16); err == nil && n > 0 {
			return int16(n)
		}
	}
	return 1
}

// topicQueueKey is the "topic-queueId" key used to look up the per-(topic,
// queueId) offset counter.
func topicQueueKey(topic string, queueID int32) string {
	return topic + "-" + strconv.Itoa(int(queueID))
}

func hostIsV6(ip net.IP) bool {
	return ip != nil && ip.To4() == nil
}
