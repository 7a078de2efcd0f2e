package commitlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

// segmentFileNameWidth is the width of a segment's zero-padded decimal file
// name.
const segmentFileNameWidth = 20

func segmentFileName(fileFromOffset int64) string {
	return fmt.Sprintf("%0*d", segmentFileNameWidth, fileFromOffset)
}

func parseSegmentFileName(name string) (int64, bool) {
	if len(name) != segmentFileNameWidth {
		return 0, false
	}
	v, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// mappedFile is one fixed-size segment file, memory-mapped as a contiguous
// addressable region.
type mappedFile struct {
	path           string
	fileFromOffset int64
	fileSize       int64

	file *os.File
	mmap gommap.MMap

	// wrote/flushed/committed are monotone non-decreasing positions within
	// this segment; committed <= wrote <= fileSize.
	wrotePosition     int64
	flushedPosition   int64
	committedPosition int64

	available int32 // atomic flag; 0 once destroyed/unmapped
}

// newMappedFile creates a brand-new segment file at fileFromOffset, sized to
// fileSize, and maps it.
func newMappedFile(dir string, fileFromOffset, fileSize int64) (*mappedFile, error) {
	path := filepath.Join(dir, segmentFileName(fileFromOffset))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "commitlog: create segment %s failed", path)
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "commitlog: truncate segment %s failed", path)
	}
	return mapExisting(f, path, fileFromOffset, fileSize, 0)
}

// loadMappedFile opens an existing segment file and maps it. wrotePosition
// is left at the caller's discretion (mapped file queue load recomputes it
// from file size initially; recovery tightens it further).
func loadMappedFile(path string, fileFromOffset, fileSize int64) (*mappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "commitlog: open segment %s failed", path)
	}
	return mapExisting(f, path, fileFromOffset, fileSize, fileSize)
}

func mapExisting(f *os.File, path string, fileFromOffset, fileSize, wrotePosition int64) (*mappedFile, error) {
	m, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "commitlog: mmap segment %s failed", path)
	}
	return &mappedFile{
		path:              path,
		fileFromOffset:    fileFromOffset,
		fileSize:          fileSize,
		file:              f,
		mmap:              m,
		wrotePosition:     wrotePosition,
		flushedPosition:   wrotePosition,
		committedPosition: wrotePosition,
		available:         1,
	}, nil
}

func (m *mappedFile) IsFull() bool { return m.wrotePosition >= m.fileSize }

func (m *mappedFile) IsAvailable() bool { return atomic.LoadInt32(&m.available) == 1 }

// RemainingBytes is the unwritten tail of the segment.
func (m *mappedFile) RemainingBytes() int64 { return m.fileSize - m.wrotePosition }

// appendAt writes buf at the current wrote position without bounds
// checking; callers (the append engine) are responsible for checking
// RemainingBytes first.
func (m *mappedFile) appendAt(buf []byte) {
	copy(m.mmap[m.wrotePosition:], buf)
	m.wrotePosition += int64(len(buf))
}

// appendMessage writes frame at the current wrote position if it fits,
// returning AppendEndOfFile when the caller must pad and roll to a new
// segment instead.
func (m *mappedFile) appendMessage(frame []byte) AppendMessageStatus {
	if int64(len(frame)) > m.RemainingBytes() {
		return AppendEndOfFile
	}
	m.appendAt(frame)
	return AppendOk
}

// writeBlank writes the 8-byte end-of-segment padding sentinel at the
// current wrote position and marks the segment full.
func (m *mappedFile) writeBlank() {
	remaining := int32(m.RemainingBytes())
	var hdr [8]byte
	byteOrder.PutUint32(hdr[0:4], uint32(remaining))
	byteOrder.PutUint32(hdr[4:8], uint32(MagicBlank))
	copy(m.mmap[m.wrotePosition:], hdr[:])
	m.wrotePosition = m.fileSize
}

// GetBytes returns a view of size bytes of the segment's mapped region
// starting at pos (read-only use expected; it aliases the mmap).
func (m *mappedFile) GetBytes(pos int64, size int64) ([]byte, bool) {
	if pos < 0 || pos > int64(len(m.mmap)) {
		return nil, false
	}
	end := pos + size
	if end > int64(len(m.mmap)) {
		return nil, false
	}
	return m.mmap[pos:end], true
}

// sliceFromWrote returns the region from pos up to the wrote position; for
// a segment padded by writeBlank that includes the blank marker and the
// rest of the segment.
func (m *mappedFile) sliceFromWrote(pos int64) ([]byte, bool) {
	if pos < 0 || pos > m.wrotePosition {
		return nil, false
	}
	return m.mmap[pos:m.wrotePosition], true
}

func (m *mappedFile) setFlushedWhere(pos int64) {
	if pos > m.flushedPosition {
		m.flushedPosition = pos
	}
}

func (m *mappedFile) setCommittedWhere(pos int64) {
	if pos > m.committedPosition {
		m.committedPosition = pos
	}
}

// truncateTo sets the segment's positions to size, used by
// truncateDirtyFiles during recovery.
func (m *mappedFile) truncateTo(size int64) {
	m.wrotePosition = size
	m.flushedPosition = size
	m.committedPosition = size
}

// destroy unmaps and closes the segment, then removes the underlying file.
func (m *mappedFile) destroy() error {
	if !atomic.CompareAndSwapInt32(&m.available, 1, 0) {
		return nil
	}
	var errs []error
	if err := m.mmap.UnsafeUnmap(); err != nil {
		errs = append(errs, err)
	}
	if err := m.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "commitlog: destroy segment %s failed", m.path)
	}
	return nil
}

// close unmaps and closes the segment without removing the file.
func (m *mappedFile) close() error {
	if !atomic.CompareAndSwapInt32(&m.available, 1, 0) {
		return nil
	}
	if err := m.mmap.UnsafeUnmap(); err != nil {
		m.file.Close()
		return errors.Wrapf(err, "commitlog: unmap segment %s failed", m.path)
	}
	return errors.Wrapf(m.file.Close(), "commitlog: close segment %s failed", m.path)
}

func (m *mappedFile) sync() error {
	if err := m.mmap.Sync(gommap.MS_SYNC); err != nil {
		return errors.Wrapf(err, "commitlog: sync segment %s failed", m.path)
	}
	m.setFlushedWhere(m.wrotePosition)
	return nil
}
