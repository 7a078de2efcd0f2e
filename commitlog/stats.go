package commitlog

import (
	"sync"
	"time"

	hdr "github.com/HdrHistogram/hdrhistogram-go"
)

// Stats is a point-in-time snapshot of the commit log's latency histograms,
// in microseconds.
type Stats struct {
	LockHoldP50Micros  int64
	LockHoldP99Micros  int64
	LockHoldMaxMicros  int64
	FlushP50Micros     int64
	FlushP99Micros     int64
	FlushMaxMicros     int64
	PutMessageCount    int64
}

// statsRecorder owns the HDR histograms backing Stats. Latencies are
// recorded in microseconds; the histogram range covers 1us to 10s, which
// comfortably spans a held lock or a flush stall without losing precision
// for the common case.
type statsRecorder struct {
	mu          sync.Mutex
	lockHold    *hdr.Histogram
	flush       *hdr.Histogram
	putMessages int64
	logger      Logger
}

func newStatsRecorder(logger Logger) *statsRecorder {
	return &statsRecorder{
		lockHold: hdr.New(1, 10_000_000, 3),
		flush:    hdr.New(1, 10_000_000, 3),
		logger:   logger,
	}
}

// recordLockHold records how long the put-lock critical section was held,
// warning when it crosses lockWarnThreshold.
func (s *statsRecorder) recordLockHold(d time.Duration) {
	micros := d.Microseconds()
	s.mu.Lock()
	_ = s.lockHold.RecordValue(micros)
	s.putMessages++
	s.mu.Unlock()
	if d > lockWarnThreshold {
		s.logger.Warnf("commitlog: put-message lock held for %s, exceeding %s", d, lockWarnThreshold)
	}
}

func (s *statsRecorder) recordFlush(d time.Duration) {
	micros := d.Microseconds()
	s.mu.Lock()
	_ = s.flush.RecordValue(micros)
	s.mu.Unlock()
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		LockHoldP50Micros: s.lockHold.ValueAtQuantile(50),
		LockHoldP99Micros: s.lockHold.ValueAtQuantile(99),
		LockHoldMaxMicros: s.lockHold.Max(),
		FlushP50Micros:    s.flush.ValueAtQuantile(50),
		FlushP99Micros:    s.flush.ValueAtQuantile(99),
		FlushMaxMicros:    s.flush.Max(),
		PutMessageCount:   s.putMessages,
	}
}
