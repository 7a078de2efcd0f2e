package commitlog

import "github.com/pkg/errors"

// PutMessageStatus is the outcome of a PutMessage call, surfaced to the
// caller.
type PutMessageStatus int

const (
	// PutOk means the frame was written and, for non-transactional and
	// commit-type messages, the queue offset was advanced.
	PutOk PutMessageStatus = iota
	// CreateMappedFileFailed means a new segment could not be allocated.
	CreateMappedFileFailed
	// MessageIllegal means the encoded frame exceeds the message or
	// properties size cap.
	MessageIllegal
	// FlushDiskTimeout is surfaced by the downstream flush collaborator.
	FlushDiskTimeout
	// FlushSlaveTimeout is surfaced by the downstream HA collaborator.
	FlushSlaveTimeout
	// SlaveNotAvailable is surfaced by the downstream HA collaborator.
	SlaveNotAvailable
	// UnknownError covers any other append-callback failure.
	UnknownError
)

func (s PutMessageStatus) String() string {
	switch s {
	case PutOk:
		return "PUT_OK"
	case CreateMappedFileFailed:
		return "CREATE_MAPPED_FILE_FAILED"
	case MessageIllegal:
		return "MESSAGE_ILLEGAL"
	case FlushDiskTimeout:
		return "FLUSH_DISK_TIMEOUT"
	case FlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	case SlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// AppendMessageStatus is the outcome of a single append callback invocation
// against a segment, internal to the append engine / mapped file queue.
type AppendMessageStatus int

const (
	// AppendOk means the frame was written at the current wrote position.
	AppendOk AppendMessageStatus = iota
	// AppendEndOfFile means remaining space in the segment is smaller than
	// the frame; the caller must pad and roll to a new segment.
	AppendEndOfFile
	// AppendMessageSizeExceeded means the encoded message exceeds the
	// configured maximum message size.
	AppendMessageSizeExceeded
	// AppendPropertiesSizeExceeded means the encoded properties exceed the
	// configured maximum properties size.
	AppendPropertiesSizeExceeded
	// AppendUnknownError covers any other write failure.
	AppendUnknownError
)

func (s AppendMessageStatus) String() string {
	switch s {
	case AppendOk:
		return "APPEND_OK"
	case AppendEndOfFile:
		return "APPEND_END_OF_FILE"
	case AppendMessageSizeExceeded:
		return "APPEND_MESSAGE_SIZE_EXCEEDED"
	case AppendPropertiesSizeExceeded:
		return "APPEND_PROPERTIES_SIZE_EXCEEDED"
	default:
		return "APPEND_UNKNOWN_ERROR"
	}
}

// toPutMessageStatus maps an append-callback outcome up to the PutMessage-
// level status returned to callers. AppendEndOfFile never reaches here: the
// append engine handles it internally by rolling to a new segment and
// retrying the callback.
func (s AppendMessageStatus) toPutMessageStatus() PutMessageStatus {
	switch s {
	case AppendOk:
		return PutOk
	case AppendMessageSizeExceeded, AppendPropertiesSizeExceeded:
		return MessageIllegal
	default:
		return UnknownError
	}
}

// ErrSegmentNotFound is returned when a segment covering a requested offset
// cannot be located.
var ErrSegmentNotFound = errors.New("commitlog: segment not found")

// ErrUnsupportedMode is returned at startup when an Options combination asks
// for a mode this engine does not implement (controller mode, slave-acting-
// master HA). These are preconditions rejected at startup, never accepted
// silently.
var ErrUnsupportedMode = errors.New("commitlog: unsupported broker mode")

// ErrCorruptFrame names a frame whose CRC, magic code, or self-described
// length fails validation. The decoder reports such a frame as
// {Success:false} rather than returning this error; recovery logs it when
// it stops at that frame, treating it as a truncation point.
var ErrCorruptFrame = errors.New("commitlog: corrupt frame")
