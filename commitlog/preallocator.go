package commitlog

import (
	"sync"
	"time"

	gds "github.com/Workiva/go-datastructures/queue"
)

// preallocatedSegment pairs a ready-to-use mmap'd segment with the physical
// offset it was built for, so the taker can reject a stale one if the
// allocator raced ahead of where the queue actually needed to roll.
type preallocatedSegment struct {
	fromOffset int64
	file       *mappedFile
}

// segmentPreallocator keeps a small backlog of freshly-created, already
// mmap'd segment files ready to hand to the append engine the instant the
// active segment fills, so PutMessage's critical section never blocks on
// file creation or truncate. The backlog is a go-datastructures queue rather
// than a plain channel because the preallocate goroutine needs to
// drain/resize the backlog without the producer/consumer rendezvous a
// channel forces.
type segmentPreallocator struct {
	dir      string
	fileSize int64
	backlog  *gds.Queue

	mu      sync.Mutex
	next    int64 // fromOffset the preallocator will build next
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  Logger
}

// newSegmentPreallocator returns a preallocator; call start once the queue's
// current max offset is known.
func newSegmentPreallocator(dir string, fileSize int64, logger Logger) *segmentPreallocator {
	q, _ := gds.New(4)
	return &segmentPreallocator{dir: dir, fileSize: fileSize, backlog: q, stop: make(chan struct{}), logger: logger}
}

// start begins building segments ahead of fromOffset, keeping up to
// backlogDepth ready at a time.
func (p *segmentPreallocator) start(fromOffset int64, backlogDepth int) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.next = fromOffset
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(backlogDepth)
}

func (p *segmentPreallocator) loop(backlogDepth int) {
	defer p.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for p.backlog.Len() < int64(backlogDepth) {
				p.mu.Lock()
				fromOffset := p.next
				p.next += p.fileSize
				p.mu.Unlock()

				mf, err := newMappedFile(p.dir, fromOffset, p.fileSize)
				if err != nil {
					p.logger.Warnf("commitlog: preallocate segment at %d failed: %v", fromOffset, err)
					p.mu.Lock()
					p.next = fromOffset
					p.mu.Unlock()
					break
				}
				if err := p.backlog.Put(&preallocatedSegment{fromOffset: fromOffset, file: mf}); err != nil {
					mf.destroy()
					return
				}
			}
		}
	}
}

// take returns the preallocated segment for fromOffset if one is ready and
// matches, else nil immediately so the caller falls back to synchronous
// creation. This is called with the append critical section's lock held, so
// it must never suspend waiting for the backlog to fill.
func (p *segmentPreallocator) take(fromOffset int64) *mappedFile {
	items, err := p.backlog.Poll(1, 0)
	if err != nil || len(items) == 0 {
		return nil
	}
	seg := items[0].(*preallocatedSegment)
	if seg.fromOffset != fromOffset {
		seg.file.destroy()
		return nil
	}
	return seg.file
}

// close stops the background loop and destroys any unclaimed backlog
// entries.
func (p *segmentPreallocator) close() {
	close(p.stop)
	p.wg.Wait()
	for _, item := range p.backlog.Dispose() {
		item.(*preallocatedSegment).file.destroy()
	}
}
