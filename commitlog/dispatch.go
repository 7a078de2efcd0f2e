package commitlog

import "sync"

// Dispatcher is the external collaborator that turns DispatchRequests into
// consume-queue index entries. The core only calls Dispatch; it never
// defines the index format.
type Dispatcher interface {
	Dispatch(req DispatchRequest)
}

// DispatcherFunc adapts a plain function to Dispatcher.
type DispatcherFunc func(req DispatchRequest)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(req DispatchRequest) { f(req) }

// ConsumeQueueStore is the external collaborator owning per-(topic,queueId)
// logical offsets and the consume-queue index files. The core only calls
// these five operations; it never reaches into the store's layout.
type ConsumeQueueStore interface {
	// AssignQueueOffset stamps msg.QueueOffset with the current counter for
	// (msg.Topic, msg.QueueID) without advancing it.
	AssignQueueOffset(msg *MessageExtBrokerInner)
	// IncreaseQueueOffset advances the counter for (msg.Topic, msg.QueueID)
	// by n.
	IncreaseQueueOffset(msg *MessageExtBrokerInner, n int16)
	// Destroy discards all consume-queue state, used on the empty-directory
	// recovery path.
	Destroy()
	// LoadAfterDestroy reinitializes the store after Destroy.
	LoadAfterDestroy() error
	// TruncateDirtyLogicFiles drops index entries whose physical offset
	// exceeds physOffset.
	TruncateDirtyLogicFiles(physOffset int64)
}

// inMemoryConsumeQueueStore is a reference ConsumeQueueStore good enough to
// drive the engine end-to-end in tests and the CLI. It does not implement a
// real on-disk consume-queue layout, which is out of scope for this engine.
type inMemoryConsumeQueueStore struct {
	mu      sync.Mutex
	offsets map[string]int64
	// maxPhysOffset records, for truncation, the highest physical offset
	// indexed across all (topic, queueId) keys. A real consume-queue store can
	// truncate per-entry; this reference implementation only needs to
	// answer "what's the highest physical offset we've indexed" so recovery
	// can decide whether to ask for truncation at all.
	maxPhysOffset int64
}

// NewInMemoryConsumeQueueStore returns a ConsumeQueueStore suitable for
// tests and the CLI's ad hoc append/inspect flows.
func NewInMemoryConsumeQueueStore() ConsumeQueueStore {
	return &inMemoryConsumeQueueStore{offsets: make(map[string]int64)}
}

func (s *inMemoryConsumeQueueStore) AssignQueueOffset(msg *MessageExtBrokerInner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := topicQueueKey(msg.Topic, msg.QueueID)
	msg.QueueOffset = s.offsets[key]
}

func (s *inMemoryConsumeQueueStore) IncreaseQueueOffset(msg *MessageExtBrokerInner, n int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := topicQueueKey(msg.Topic, msg.QueueID)
	s.offsets[key] += int64(n)
	if msg.PhysicalOffset+int64(len(msg.encodedBuf)) > s.maxPhysOffset {
		s.maxPhysOffset = msg.PhysicalOffset + int64(len(msg.encodedBuf))
	}
}

func (s *inMemoryConsumeQueueStore) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = make(map[string]int64)
	s.maxPhysOffset = 0
}

func (s *inMemoryConsumeQueueStore) LoadAfterDestroy() error {
	return nil
}

func (s *inMemoryConsumeQueueStore) TruncateDirtyLogicFiles(physOffset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPhysOffset > physOffset {
		s.maxPhysOffset = physOffset
	}
}

// MaxPhysOffset reports the highest physical offset the reference store has
// observed, a value a caller can pass as recovery's
// maxPhyOffsetOfConsumeQueue parameter.
func (s *inMemoryConsumeQueueStore) MaxPhysOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPhysOffset
}

// TopicConfig is the minimal piece of topic configuration the core needs:
// whether a topic is a batch-oriented consume queue.
type TopicConfig struct {
	Name       string
	IsBatchCQ  bool
}

// TopicConfigTable is a short-hold-mutex-guarded table the CommitLog only
// ever reads from.
type TopicConfigTable struct {
	mu     sync.Mutex
	topics map[string]TopicConfig
}

// NewTopicConfigTable returns an empty table.
func NewTopicConfigTable() *TopicConfigTable {
	return &TopicConfigTable{topics: make(map[string]TopicConfig)}
}

// Set installs or replaces a topic's configuration.
func (t *TopicConfigTable) Set(cfg TopicConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[cfg.Name] = cfg
}

// Get returns a topic's configuration and whether it was found.
func (t *TopicConfigTable) Get(name string) (TopicConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.topics[name]
	return cfg, ok
}

func (t *TopicConfigTable) isBatchCQ(topic string) bool {
	cfg, ok := t.Get(topic)
	return ok && cfg.IsBatchCQ
}
