package commitlog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// mappedFileQueue is the segmented allocator over a single directory: an
// ordered list of fixed-size mappedFiles, with at most one (the last)
// writable at a time.
type mappedFileQueue struct {
	mu       sync.RWMutex
	dir      string
	fileSize int64
	files    []*mappedFile

	preallocator *segmentPreallocator // nil if preallocation is disabled
	logger       Logger
}

func newMappedFileQueue(dir string, fileSize int64, preallocator *segmentPreallocator, logger Logger) *mappedFileQueue {
	return &mappedFileQueue{
		dir:          dir,
		fileSize:     fileSize,
		preallocator: preallocator,
		logger:       logger,
	}
}

// load scans the directory for existing segment files, in fileFromOffset
// order, and maps each one.
func (q *mappedFileQueue) load() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(os.MkdirAll(q.dir, 0755), "commitlog: create commit log dir %s failed", q.dir)
		}
		return errors.Wrapf(err, "commitlog: read commit log dir %s failed", q.dir)
	}

	var offsets []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		off, ok := parseSegmentFileName(e.Name())
		if !ok {
			continue
		}
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, off := range offsets {
		path := filepath.Join(q.dir, segmentFileName(off))
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "commitlog: stat segment %s failed", path)
		}
		if info.Size() != q.fileSize {
			q.logger.Warnf("commitlog: segment %s has size %d, expected %d; keeping as-is", path, info.Size(), q.fileSize)
		}
		mf, err := loadMappedFile(path, off, info.Size())
		if err != nil {
			return err
		}
		// Only the very last segment's wrote position is uncertain; everything
		// before it is by construction full. The caller's recovery pass
		// tightens the last segment's wrote position further.
		if i < len(offsets)-1 {
			mf.wrotePosition = mf.fileSize
			mf.flushedPosition = mf.fileSize
			mf.committedPosition = mf.fileSize
		}
		q.files = append(q.files, mf)
	}
	return nil
}

// getLastMappedFile returns the current writable segment, or nil if the
// queue is empty.
func (q *mappedFileQueue) getLastMappedFile() *mappedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.files) == 0 {
		return nil
	}
	return q.files[len(q.files)-1]
}

// getLastMappedFileOrCreate returns the current writable segment, creating
// the first segment (at startOffset) or rolling a new one when the queue is
// empty or the last segment is full.
func (q *mappedFileQueue) getLastMappedFileOrCreate(startOffset int64) (*mappedFile, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.files) == 0 {
		fromOffset := startOffset - (startOffset % q.fileSize)
		mf, err := q.createOrTake(fromOffset)
		if err != nil {
			return nil, err
		}
		q.files = append(q.files, mf)
		return mf, nil
	}

	last := q.files[len(q.files)-1]
	if !last.IsFull() {
		return last, nil
	}

	fromOffset := last.fileFromOffset + q.fileSize
	mf, err := q.createOrTake(fromOffset)
	if err != nil {
		return nil, err
	}
	q.files = append(q.files, mf)
	return mf, nil
}

func (q *mappedFileQueue) createOrTake(fromOffset int64) (*mappedFile, error) {
	if q.preallocator != nil {
		if mf := q.preallocator.take(fromOffset); mf != nil {
			return mf, nil
		}
	}
	return newMappedFile(q.dir, fromOffset, q.fileSize)
}

// findMappedFileByOffset returns the segment containing the physical
// offset, or nil if out of range.
func (q *mappedFileQueue) findMappedFileByOffset(offset int64) *mappedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.files) == 0 {
		return nil
	}
	first := q.files[0]
	last := q.files[len(q.files)-1]
	if offset < first.fileFromOffset || offset >= last.fileFromOffset+q.fileSize {
		return nil
	}
	idx := int((offset - first.fileFromOffset) / q.fileSize)
	if idx < 0 || idx >= len(q.files) {
		return nil
	}
	return q.files[idx]
}

// getMaxOffset is the physical offset one past the last byte ever written.
func (q *mappedFileQueue) getMaxOffset() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.files) == 0 {
		return 0
	}
	last := q.files[len(q.files)-1]
	return last.fileFromOffset + last.wrotePosition
}

// getMinOffset is the physical offset of the oldest retained byte. If the
// first segment has been destroyed/unmapped out from under the queue, its
// fileFromOffset is no longer a readable boundary, so the next segment start
// is reported instead.
func (q *mappedFileQueue) getMinOffset() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.files) == 0 {
		return 0
	}
	first := q.files[0]
	if !first.IsAvailable() {
		return rollNextFile(first.fileFromOffset, q.fileSize)
	}
	return first.fileFromOffset
}

// rollNextFile returns the physical offset of the start of the segment
// immediately after offset: the smallest multiple of fileSize greater than
// offset.
func rollNextFile(offset, fileSize int64) int64 {
	return offset + fileSize - offset%fileSize
}

// getFlushedWhere is the physical offset up to which data has been synced.
func (q *mappedFileQueue) getFlushedWhere() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.files) == 0 {
		return 0
	}
	last := q.files[len(q.files)-1]
	return last.fileFromOffset + last.flushedPosition
}

// flush syncs every segment at or after the current flushed watermark whose
// wrote position has advanced, in file order.
func (q *mappedFileQueue) flush() error {
	q.mu.RLock()
	files := append([]*mappedFile(nil), q.files...)
	q.mu.RUnlock()
	for _, mf := range files {
		if mf.flushedPosition < mf.wrotePosition {
			if err := mf.sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// truncateDirtyFiles drops or shrinks segments whose content lies beyond
// offset, the tail-trimming step recovery (normal or abnormal) runs once it
// knows how far the log can be trusted.
func (q *mappedFileQueue) truncateDirtyFiles(offset int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var willRemove []*mappedFile
	kept := q.files[:0:0]
	for _, mf := range q.files {
		fileTailOffset := mf.fileFromOffset + q.fileSize
		if fileTailOffset <= offset {
			kept = append(kept, mf)
			continue
		}
		if mf.fileFromOffset >= offset {
			willRemove = append(willRemove, mf)
			continue
		}
		mf.truncateTo(offset - mf.fileFromOffset)
		kept = append(kept, mf)
	}
	q.files = kept

	for _, mf := range willRemove {
		if err := mf.destroy(); err != nil {
			return err
		}
	}
	return nil
}

// setFlushedWhere/setCommittedWhere propagate a global watermark down into
// whichever segment currently holds it.
func (q *mappedFileQueue) setFlushedWhere(where int64) {
	mf := q.findMappedFileByOffset(where)
	if mf == nil {
		return
	}
	mf.setFlushedWhere(where - mf.fileFromOffset)
}

func (q *mappedFileQueue) setCommittedWhere(where int64) {
	mf := q.findMappedFileByOffset(where)
	if mf == nil {
		return
	}
	mf.setCommittedWhere(where - mf.fileFromOffset)
}

// snapshot returns the current segment list for iteration under the
// caller's own synchronization (e.g. recovery, which runs before any
// concurrent writer exists).
func (q *mappedFileQueue) snapshot() []*mappedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]*mappedFile(nil), q.files...)
}

// deleteExpiredFile removes the oldest segment, used by a retention loop
// once it has judged the segment expired.
func (q *mappedFileQueue) deleteExpiredFile(mf *mappedFile) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.files) == 0 || q.files[0] != mf {
		return errors.New("commitlog: cannot delete a segment that is not the oldest")
	}
	if err := mf.destroy(); err != nil {
		return err
	}
	q.files = q.files[1:]
	return nil
}

// close unmaps every segment without deleting any file, for a clean
// shutdown.
func (q *mappedFileQueue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, mf := range q.files {
		if err := mf.close(); err != nil {
			return err
		}
	}
	return nil
}
