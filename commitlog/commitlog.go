package commitlog

import (
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CommitLog is the append-only, memory-mapped, segmented physical log: the
// authoritative record of every message a broker has accepted. It owns a
// mapped file queue plus a single put-lock guarding the append critical
// section, with background loops for flush and segment preallocation.
type CommitLog struct {
	opts Options

	queue *mappedFileQueue

	putMu sync.Mutex // serializes the append critical section

	confirmOffset int64 // atomic; duplication-mode explicit HA watermark

	dispatcher Dispatcher
	cqStore    ConsumeQueueStore
	topics     *TopicConfigTable
	checkpoint StoreCheckpoint
	encoders   *encoderPool
	prealloc   *segmentPreallocator
	stats      *statsRecorder
	logger     Logger

	closed chan struct{}
	wg     sync.WaitGroup
}

// Dependencies bundles the external collaborators a CommitLog is wired
// against.
type Dependencies struct {
	Dispatcher        Dispatcher
	ConsumeQueueStore ConsumeQueueStore
	Topics            *TopicConfigTable
	Checkpoint        StoreCheckpoint
}

// Open loads an existing commit log directory (or initializes an empty one)
// and wires it against deps, applying defaults for anything deps leaves
// nil. It does not run recovery; call Recover explicitly once Open succeeds.
func Open(opts Options, deps Dependencies) (*CommitLog, error) {
	opts = opts.WithDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if deps.Dispatcher == nil {
		deps.Dispatcher = DispatcherFunc(func(DispatchRequest) {})
	}
	if deps.ConsumeQueueStore == nil {
		deps.ConsumeQueueStore = NewInMemoryConsumeQueueStore()
	}
	if deps.Topics == nil {
		deps.Topics = NewTopicConfigTable()
	}
	if deps.Checkpoint == nil {
		cp, err := OpenStoreCheckpoint(opts.Path + ".checkpoint")
		if err != nil {
			return nil, err
		}
		deps.Checkpoint = cp
	}
	if gc, ok := deps.Checkpoint.(interface{ GenerationID() uuid.UUID }); ok {
		if err := checkGeneration(opts.Path, gc.GenerationID(), opts.Logger); err != nil {
			return nil, err
		}
	}

	encoders, err := newEncoderPool(opts.EncoderPoolSize, opts.MaxMessageSize, opts.MaxPropertiesSize)
	if err != nil {
		return nil, errors.Wrap(err, "commitlog: build encoder pool failed")
	}

	prealloc := newSegmentPreallocator(opts.Path, opts.MappedFileSize, opts.Logger)

	cl := &CommitLog{
		opts:          opts,
		queue:         newMappedFileQueue(opts.Path, opts.MappedFileSize, prealloc, opts.Logger),
		dispatcher:    deps.Dispatcher,
		cqStore:       deps.ConsumeQueueStore,
		topics:        deps.Topics,
		checkpoint:    deps.Checkpoint,
		encoders:      encoders,
		prealloc:      prealloc,
		stats:         newStatsRecorder(opts.Logger),
		logger:        opts.Logger,
		confirmOffset: deps.Checkpoint.GetConfirmPhyOffset(),
		closed:        make(chan struct{}),
	}

	if err := cl.queue.load(); err != nil {
		return nil, err
	}

	prealloc.start(cl.queue.getMaxOffset(), opts.PreallocateSegments)

	cl.wg.Add(1)
	go cl.flushLoop()

	return cl, nil
}

func (cl *CommitLog) flushLoop() {
	defer cl.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cl.closed:
			return
		case <-ticker.C:
			start := time.Now()
			if err := cl.queue.flush(); err != nil {
				cl.logger.Warnf("commitlog: periodic flush failed: %v", err)
				continue
			}
			cl.stats.recordFlush(time.Since(start))
		}
	}
}

// Close stops background loops, flushes, and unmaps every segment.
func (cl *CommitLog) Close() error {
	close(cl.closed)
	cl.wg.Wait()
	cl.prealloc.close()
	if err := cl.queue.flush(); err != nil {
		cl.logger.Warnf("commitlog: final flush failed: %v", err)
	}
	return cl.queue.close()
}

// PutMessage appends msg, assigning its physical and (non-transactional)
// logical offsets: pre-lock prep, a single critical section under putMu,
// then the post-lock queue-offset advance and dispatch. No flush or
// replication collaborator is called.
func (cl *CommitLog) PutMessage(writerID string, msg *MessageExtBrokerInner) PutMessageStatus {
	// Pre-lock step 1: timestamps. In duplication mode the producer's
	// own StoreTimestamp is authoritative.
	if !cl.opts.DuplicationEnable {
		msg.StoreTimestamp = time.Now().UnixMilli()
	}
	if msg.BornTimestamp == 0 {
		msg.BornTimestamp = msg.StoreTimestamp
	}

	// Pre-lock step 2: body CRC.
	msg.BodyCRC = crc32.ChecksumIEEE(msg.Body)

	// Pre-lock step 3: strip or trust the reserved CRC32 property.
	if !cl.opts.EnabledAppendPropCRC {
		msg.DeleteProperty(PropertyCRC32)
	}

	// Pre-lock step 4: select frame version by topic length, and set the
	// host-address sysFlag bits.
	msg.Version = V1
	if cl.opts.AutoMessageVersionOnTopicLen && len(msg.Topic) > 127 {
		msg.Version = V2
	}
	if hostIsV6(msg.BornHost) {
		msg.SysFlag |= sysFlagBornHostV6Flag
	}
	if hostIsV6(msg.StoreHost) {
		msg.SysFlag |= sysFlagStoreHostAddressV6Flag
	}

	// Pre-lock step 5: assign the logical queue offset, unless this is a
	// replica applying someone else's already-assigned offset.
	needAssignOffset := !(cl.opts.BrokerRole == Slave && !cl.opts.DuplicationEnable)
	if needAssignOffset {
		cl.topics.isBatchCQ(msg.Topic) // touch the table; real batching logic lives in the dispatcher
		cl.cqStore.AssignQueueOffset(msg)
	}

	encoder := cl.encoders.get(writerID)

	lockStart := time.Now()
	cl.putMu.Lock()
	status, physOffset := cl.appendLocked(encoder, msg)
	heldFor := time.Since(lockStart)
	cl.putMu.Unlock()
	cl.stats.recordLockHold(heldFor)

	if status != PutOk {
		return status
	}

	msg.PhysicalOffset = physOffset

	// Post-lock: advance the logical offset counter and dispatch, unless
	// this is a prepared or rolled-back transactional message.
	if msg.TransactionType() != sysFlagTransactionPreparedType && msg.TransactionType() != sysFlagTransactionRollbackType {
		if needAssignOffset {
			cl.cqStore.IncreaseQueueOffset(msg, msg.messageNum())
		}
		cl.dispatcher.Dispatch(DispatchRequest{
			Success:         true,
			Topic:           msg.Topic,
			QueueID:         msg.QueueID,
			CommitLogOffset: physOffset,
			MsgSize:         int32(len(encoder.Bytes())),
			TagsCode:        tagsCode(msg.Properties[PropertyTags]),
			StoreTimestamp:  msg.StoreTimestamp,
			SysFlag:         msg.SysFlag,
			PropertiesMap:   msg.Properties,
		})
	}

	if cl.opts.DuplicationEnable {
		atomic.StoreInt64(&cl.confirmOffset, physOffset+int64(len(encoder.Bytes())))
	}

	return PutOk
}

// appendLocked runs the single-writer critical section: encode, attempt the
// segment-level append callback, roll and retry once on end-of-segment.
// Caller must hold putMu.
func (cl *CommitLog) appendLocked(encoder *MessageExtEncoder, msg *MessageExtBrokerInner) (PutMessageStatus, int64) {
	mf, err := cl.queue.getLastMappedFileOrCreate(0)
	if err != nil {
		cl.logger.Errorf("commitlog: allocate segment failed: %v", err)
		return CreateMappedFileFailed, 0
	}

	provisionalOffset := mf.fileFromOffset + mf.wrotePosition
	msg.PhysicalOffset = provisionalOffset

	ok, appendStatus := encoder.Encode(msg)
	if !ok {
		return appendStatus.toPutMessageStatus(), 0
	}

	if status := mf.appendMessage(encoder.Bytes()); status != AppendEndOfFile {
		if status != AppendOk {
			cl.logger.Errorf("commitlog: append callback returned %s", status)
			return UnknownError, 0
		}
		return PutOk, provisionalOffset
	}

	if mf.RemainingBytes() < 8 {
		// Segment is effectively exhausted even for a blank marker; roll
		// without writing one.
	} else {
		mf.writeBlank()
	}
	mf, err = cl.queue.getLastMappedFileOrCreate(mf.fileFromOffset + cl.opts.MappedFileSize)
	if err != nil {
		cl.logger.Errorf("commitlog: roll next segment failed: %v", err)
		return CreateMappedFileFailed, 0
	}
	provisionalOffset = mf.fileFromOffset + mf.wrotePosition
	msg.PhysicalOffset = provisionalOffset
	ok, appendStatus = encoder.Encode(msg)
	if !ok {
		return appendStatus.toPutMessageStatus(), 0
	}
	if status := mf.appendMessage(encoder.Bytes()); status != AppendOk {
		cl.logger.Errorf("commitlog: append failed immediately after rolling a fresh segment: %s", status)
		return UnknownError, 0
	}
	return PutOk, provisionalOffset
}

// GetMaxOffset is the physical offset one past the last byte ever written.
func (cl *CommitLog) GetMaxOffset() int64 { return cl.queue.getMaxOffset() }

// GetMinOffset is the physical offset of the oldest retained byte.
func (cl *CommitLog) GetMinOffset() int64 { return cl.queue.getMinOffset() }

// GetConfirmOffset returns the duplication-mode explicit HA watermark.
func (cl *CommitLog) GetConfirmOffset() int64 { return atomic.LoadInt64(&cl.confirmOffset) }

// SetConfirmOffset sets the duplication-mode explicit HA watermark and
// persists it.
func (cl *CommitLog) SetConfirmOffset(offset int64) error {
	atomic.StoreInt64(&cl.confirmOffset, offset)
	return cl.checkpoint.SetConfirmPhyOffset(offset)
}

// GetData returns the bytes stored at [offset, offset+size), or
// ErrSegmentNotFound if the range isn't resident in any mapped segment.
func (cl *CommitLog) GetData(offset, size int64) ([]byte, error) {
	mf := cl.queue.findMappedFileByOffset(offset)
	if mf == nil {
		return nil, ErrSegmentNotFound
	}
	b, ok := mf.GetBytes(offset-mf.fileFromOffset, size)
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return b, nil
}

// GetDataFrom returns every written byte from offset to the segment's wrote
// position, for scanning forward during a read.
func (cl *CommitLog) GetDataFrom(offset int64) ([]byte, error) {
	mf := cl.queue.findMappedFileByOffset(offset)
	if mf == nil {
		return nil, ErrSegmentNotFound
	}
	b, ok := mf.sliceFromWrote(offset - mf.fileFromOffset)
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return b, nil
}

// Stats returns a snapshot of the commit log's put-lock hold and flush
// latency histograms, backing the operator CLI's inspect subcommand.
func (cl *CommitLog) Stats() Stats { return cl.stats.snapshot() }

// CheckSelf verifies the segment list's consecutive-offset invariant: every
// segment's fileFromOffset must be exactly one fileSize past the previous
// one, with no gaps or overlaps.
func (cl *CommitLog) CheckSelf() error {
	files := cl.queue.snapshot()
	for i := 1; i < len(files); i++ {
		want := files[i-1].fileFromOffset + cl.opts.MappedFileSize
		if files[i].fileFromOffset != want {
			return errors.Errorf("commitlog: segment list broken between %s and %s: expected fileFromOffset %d, got %d",
				files[i-1].path, files[i].path, want, files[i].fileFromOffset)
		}
	}
	return nil
}

// RollNextFile forces the active segment to be retired (padded with a blank
// marker) so the next PutMessage starts a fresh one.
func (cl *CommitLog) RollNextFile() error {
	cl.putMu.Lock()
	defer cl.putMu.Unlock()
	mf := cl.queue.getLastMappedFile()
	if mf == nil || mf.IsFull() {
		return nil
	}
	mf.writeBlank()
	_, err := cl.queue.getLastMappedFileOrCreate(mf.fileFromOffset + cl.opts.MappedFileSize)
	return err
}
