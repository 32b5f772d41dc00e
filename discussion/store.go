package discussion

import (
	"sync"

	"cosmossdk.io/log"
)

const DefaultMaxPerTask = 100

// Message is one signed deliberation post. Sender is stored lower-case.
type Message struct {
	TaskId    uint64 `json:"taskId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Persister stores the whole message map. Save is handed the full snapshot
// on every accepted message.
type Persister interface {
	Load() (map[uint64][]Message, error)
	Save(snapshot map[uint64][]Message) error
	Close() error
}

// Store keeps the first maxPerTask messages of every task.
type Store struct {
	mtx sync.RWMutex
	// seq numbers snapshots under mtx; saved is the newest one on disk and
	// is guarded by flushMtx
	seq      uint64
	flushMtx sync.Mutex
	saved    uint64

	logger     log.Logger
	maxPerTask int
	persister  Persister
	messages   map[uint64][]Message
}

func NewStore(logger log.Logger, maxPerTask int, persister Persister) *Store {
	if maxPerTask <= 0 {
		maxPerTask = DefaultMaxPerTask
	}
	return &Store{
		logger:     logger.With("module", "discussion"),
		maxPerTask: maxPerTask,
		persister:  persister,
		messages:   make(map[uint64][]Message),
	}
}

// Load replaces the in-memory messages with the persisted snapshot. Failures
// leave the store empty and are only logged.
func (s *Store) Load() {
	if s.persister == nil {
		return
	}
	snapshot, err := s.persister.Load()
	if err != nil {
		s.logger.Error("load messages fail, starting empty", "err", err)
		return
	}
	loaded := make(map[uint64][]Message, len(snapshot))
	total := 0
	for id, msgs := range snapshot {
		if len(msgs) > s.maxPerTask {
			msgs = msgs[:s.maxPerTask]
		}
		loaded[id] = append([]Message(nil), msgs...)
		total += len(msgs)
	}
	s.mtx.Lock()
	s.messages = loaded
	s.mtx.Unlock()
	s.logger.Info("messages loaded", "tasks", len(loaded), "messages", total)
}

// Append stores msg unless its task already holds maxPerTask messages, in
// which case it returns false. With a persister configured the snapshot is
// written before Append returns; a write failure is returned but the message
// stays accepted.
func (s *Store) Append(msg Message) (bool, error) {
	s.mtx.Lock()
	if len(s.messages[msg.TaskId]) >= s.maxPerTask {
		s.mtx.Unlock()
		return false, nil
	}
	s.messages[msg.TaskId] = append(s.messages[msg.TaskId], msg)
	if s.persister == nil {
		s.mtx.Unlock()
		return true, nil
	}
	s.seq++
	seq := s.seq
	snapshot := s.snapshotLocked()
	s.mtx.Unlock()

	s.flushMtx.Lock()
	defer s.flushMtx.Unlock()
	// a newer snapshot already on disk contains this message
	if seq <= s.saved {
		return true, nil
	}
	if err := s.persister.Save(snapshot); err != nil {
		s.logger.Error("save messages fail", "task", msg.TaskId, "err", err)
		return true, err
	}
	s.saved = seq
	return true, nil
}

func (s *Store) snapshotLocked() map[uint64][]Message {
	snapshot := make(map[uint64][]Message, len(s.messages))
	for id, msgs := range s.messages {
		snapshot[id] = append([]Message(nil), msgs...)
	}
	return snapshot
}

// List returns the messages of a task in insertion order.
func (s *Store) List(taskId uint64) []Message {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return append([]Message{}, s.messages[taskId]...)
}

func (s *Store) Count(taskId uint64) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.messages[taskId])
}

func (s *Store) Full(taskId uint64) bool {
	return s.Count(taskId) >= s.maxPerTask
}

func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}
