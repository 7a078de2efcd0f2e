package commitlog

import (
	"time"

	"github.com/hako/durafmt"
)

// RecoveryResult summarizes what a recovery pass found, for the operator CLI
// and tests.
type RecoveryResult struct {
	Normal                 bool
	ScannedFiles           int
	ValidPhysicalOffset    int64
	LastConfirmValidOffset int64
	Truncated              bool
	Duration               time.Duration
}

// Recover walks the segments forward from a start segment (for a normal
// exit, the third-to-last segment or the first if there are fewer; for an
// abnormal exit, the one findAbnormalRecoveryStart picks) and rebuilds the
// wrote/flushed/committed watermarks and confirm offset. normalExit should report whether
// the previous process shut down cleanly (e.g. an "abort" marker file was
// absent).
func (cl *CommitLog) Recover(normalExit bool, maxPhyOffsetOfConsumeQueue int64) (RecoveryResult, error) {
	start := time.Now()
	var result RecoveryResult
	result.Normal = normalExit

	files := cl.queue.snapshot()
	if len(files) == 0 {
		cl.cqStore.Destroy()
		if err := cl.cqStore.LoadAfterDestroy(); err != nil {
			return result, err
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	var index int
	if normalExit {
		// A clean shutdown only needs to re-verify the tail; everything
		// before the last few segments was already flushed and dispatched.
		index = len(files) - 3
		if index < 0 {
			index = 0
		}
	} else {
		index = cl.findAbnormalRecoveryStart(files)
	}
	result.ScannedFiles = len(files) - index

	var lastValidOffset int64
	var lastConfirmValidOffset int64
	mfIndex := index

	for mfIndex < len(files) {
		mf := files[mfIndex]
		pos, confirmPos, stop := cl.recoverSegment(mf, normalExit)
		lastValidOffset = mf.fileFromOffset + pos
		lastConfirmValidOffset = mf.fileFromOffset + confirmPos
		mf.wrotePosition = pos
		mf.flushedPosition = pos
		mf.committedPosition = pos
		if stop {
			break
		}
		mfIndex++
	}

	result.ValidPhysicalOffset = lastValidOffset
	result.LastConfirmValidOffset = lastConfirmValidOffset

	if lastValidOffset < cl.queue.getMaxOffset() {
		result.Truncated = true
		cl.logger.Warnf("commitlog: truncating dirty tail beyond %d (recovery took %s)",
			lastValidOffset, formatDuration(time.Since(start)))
		if err := cl.queue.truncateDirtyFiles(lastValidOffset); err != nil {
			return result, err
		}
		if maxPhyOffsetOfConsumeQueue > lastValidOffset {
			cl.cqStore.TruncateDirtyLogicFiles(lastValidOffset)
		}
	}

	if cl.opts.DuplicationEnable || cl.opts.BrokerRole == Slave {
		if err := cl.SetConfirmOffset(lastConfirmValidOffset); err != nil {
			return result, err
		}
	}

	result.Duration = time.Since(start)
	cl.logger.Infof("commitlog: recovery complete, scanned %d segment(s), valid offset %d, took %s",
		result.ScannedFiles, result.ValidPhysicalOffset, formatDuration(result.Duration))
	return result, nil
}

// formatDuration renders a recovery duration the way an operator reads logs:
// human units via hako/durafmt, falling back to the raw duration if parsing
// ever fails (it only fails on negative input, which a measured time.Since
// never produces).
func formatDuration(d time.Duration) string {
	f, err := durafmt.Parse(d)
	if err != nil {
		return d.String()
	}
	return f.String()
}

// recoverSegment walks one segment from its start, decoding frames until it
// hits a blank marker, end-of-data, or a corrupt frame, and returns the
// segment-relative wrote position, the segment-relative last "confirmed"
// (dispatch-eligible) position, and whether the overall recovery walk should
// stop at this segment.
func (cl *CommitLog) recoverSegment(mf *mappedFile, normalExit bool) (pos int64, confirmPos int64, stop bool) {
	data := mf.mmap
	var offset int64
	lastConfirm := int64(0)

	for offset < int64(len(data)) {
		remaining := data[offset:]
		req := checkMessageAndReturnSize(remaining, cl.opts.CheckCRCOnRecover, cl.opts.CheckDupInfo, cl.opts.ForceVerifyPropCRC)

		if req.Success && req.MsgSize == 0 {
			// Blank marker: this segment is exhausted, move to the next.
			return mf.fileSize, lastConfirm, false
		}
		if !req.Success {
			// Corrupt or truncated frame: this is the tail. Normal-exit
			// recovery trusts everything up to here; abnormal-exit recovery
			// stops here too, since nothing beyond a bad frame is trustworthy.
			cl.logger.Warnf("commitlog: %v at segment %s offset %d; treating remainder as unwritten tail",
				ErrCorruptFrame, mf.path, offset)
			return offset, lastConfirm, true
		}

		req.CommitLogOffset = mf.fileFromOffset + offset
		offset += int64(req.MsgSize)
		lastConfirm = offset

		if cl.shouldDispatchDuringRecover(normalExit) {
			cl.dispatcher.Dispatch(req)
		}
	}
	return offset, lastConfirm, false
}

// shouldDispatchDuringRecover reports whether a recovered frame should be
// redispatched to the consume-queue indexer. A clean shutdown leaves the
// consume-queue index intact, so normal-exit recovery must not redispatch;
// only an abnormal-exit walk, which cannot trust the index past the last
// confirmed position, replays dispatch for what it recovers.
func (cl *CommitLog) shouldDispatchDuringRecover(normalExit bool) bool {
	return !normalExit
}

// findAbnormalRecoveryStart picks the segment to start an abnormal-exit
// recovery from: the last segment whose own timestamp/position the
// checkpoint trusts.
func (cl *CommitLog) findAbnormalRecoveryStart(files []*mappedFile) int {
	for i := len(files) - 1; i >= 0; i-- {
		if cl.isMappedFileMatchedRecover(files[i]) {
			return i
		}
	}
	return 0
}

// isMappedFileMatchedRecover reports whether mf's first frame's
// store-timestamp is at or before the relevant checkpoint timestamp,
// meaning the segments before mf are known-durable and abnormal recovery
// can start its replay at mf. With message indexing enabled and running in
// safe mode, the index's own timestamp is the authority; every other case
// (index disabled, or enabled but not safe) falls back to the checkpoint's
// plain minimum timestamp.
func (cl *CommitLog) isMappedFileMatchedRecover(mf *mappedFile) bool {
	req := checkMessageAndReturnSize(mf.mmap, false, false, false)
	if !req.Success || req.MsgSize <= 0 {
		return false
	}
	if cl.opts.MessageIndexEnable && cl.opts.MessageIndexSafe {
		return req.StoreTimestamp <= cl.checkpoint.GetMinTimestampIndex()
	}
	return req.StoreTimestamp <= cl.checkpoint.GetMinTimestamp()
}
