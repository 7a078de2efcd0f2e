package commitlog

import (
	"time"

	"github.com/pkg/errors"
)

// BrokerRole is the broker role the append engine and recovery engine branch
// on.
type BrokerRole int

const (
	// AsyncMaster replicates to slaves without waiting for acks.
	AsyncMaster BrokerRole = iota
	// SyncMaster replicates and, when the producer asks for it, waits for
	// slave acknowledgement before acking the producer.
	SyncMaster
	// Slave is a replica; it never assigns its own queue offsets while
	// duplication is disabled.
	Slave
)

const (
	defaultMappedFileSize   = 1 << 30 // 1 GiB
	defaultMaxMessageSize   = 4 << 20
	defaultPropertiesMaxLen = 32768
	lockWarnThreshold       = 100 * time.Millisecond
)

// Options configures a CommitLog: segment sizing, message caps, and the
// RocketMQ-flavored store settings the Append and Recovery engines read
// directly (duplicationEnable, autoMessageVersionOnTopicLen,
// checkCrcOnRecover, ...).
type Options struct {
	// Path to the directory holding commit log segment files.
	Path string
	// MappedFileSize is the fixed size of every segment file.
	MappedFileSize int64
	// MaxMessageSize bounds the encoded frame size; exceeding it yields
	// MessageIllegal.
	MaxMessageSize int32
	// MaxPropertiesSize bounds the encoded properties length.
	MaxPropertiesSize int32

	// DuplicationEnable switches storeTimestamp authority to the producer
	// and confirmOffset to an explicit, persisted value.
	DuplicationEnable bool
	// BrokerRole decides whether PutMessage assigns queue offsets (a Slave
	// without duplication does not), whether recovery persists the confirm
	// offset (Slave), and whether the modes below are rejected (SyncMaster).
	BrokerRole BrokerRole
	// EnableControllerMode and EnableSlaveActingMaster name branches this
	// engine does not implement; Open rejects either one when BrokerRole is
	// SyncMaster and duplication is disabled.
	EnableControllerMode    bool
	EnableSlaveActingMaster bool

	// AutoMessageVersionOnTopicLen selects V2 framing once a topic name
	// exceeds 127 bytes.
	AutoMessageVersionOnTopicLen bool
	// EnabledAppendPropCRC keeps or strips the reserved PROPERTY_CRC32
	// property before encoding.
	EnabledAppendPropCRC bool
	// ForceVerifyPropCRC defers body-CRC checking to the (currently
	// unimplemented) per-property CRC path.
	ForceVerifyPropCRC bool
	// CheckCRCOnRecover enables the decoder's body CRC check during
	// recovery walks.
	CheckCRCOnRecover bool
	// CheckDupInfo requires a well-formed DUP_INFO property during decode,
	// used only in duplication mode.
	CheckDupInfo bool

	// MessageIndexEnable and MessageIndexSafe select which checkpoint
	// timestamp abnormal recovery trusts.
	MessageIndexEnable bool
	MessageIndexSafe   bool

	// InSyncReplicas is the ack quorum size for a flush/HA collaborator.
	// PutMessage calls no such collaborator and does not read it.
	InSyncReplicas int

	// EncoderPoolSize bounds the per-writer scratch encoder LRU.
	EncoderPoolSize int
	// PreallocateSegments is the depth of the background segment
	// preallocation pipeline.
	PreallocateSegments int

	Logger Logger
}

// WithDefaults returns a copy of o with zero-valued fields replaced by
// defaults.
func (o Options) WithDefaults() Options {
	if o.MappedFileSize == 0 {
		o.MappedFileSize = defaultMappedFileSize
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.MaxPropertiesSize == 0 {
		o.MaxPropertiesSize = defaultPropertiesMaxLen
	}
	if o.EncoderPoolSize == 0 {
		o.EncoderPoolSize = 64
	}
	if o.PreallocateSegments == 0 {
		o.PreallocateSegments = 1
	}
	if o.Logger == nil {
		o.Logger = NewSilentLogger()
	}
	return o
}

// validate rejects configurations this engine does not implement. These are
// startup-time preconditions, never silently accepted.
func (o Options) validate() error {
	if o.Path == "" {
		return errors.New("commitlog: path is empty")
	}
	needHA := o.BrokerRole == SyncMaster && !o.DuplicationEnable
	if needHA && o.EnableControllerMode {
		return errors.Wrap(ErrUnsupportedMode, "controller mode does not support HA")
	}
	if needHA && o.EnableSlaveActingMaster {
		return errors.Wrap(ErrUnsupportedMode, "slave-acting-master does not support HA")
	}
	return nil
}
