package discussion

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var messagePrefix = []byte("msg/")

// LevelPersister keeps one key per task holding its JSON encoded messages.
type LevelPersister struct {
	db *leveldb.DB
}

var _ Persister = &LevelPersister{}

func NewLevelPersister(dir string) (*LevelPersister, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &LevelPersister{db: db}, nil
}

func messageKey(taskId uint64) []byte {
	key := make([]byte, len(messagePrefix)+8)
	copy(key, messagePrefix)
	binary.BigEndian.PutUint64(key[len(messagePrefix):], taskId)
	return key
}

func (p *LevelPersister) Load() (map[uint64][]Message, error) {
	out := make(map[uint64][]Message)
	iter := p.db.NewIterator(util.BytesPrefix(messagePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(messagePrefix)+8 {
			return nil, fmt.Errorf("malformed message key %x", key)
		}
		var msgs []Message
		if err := json.Unmarshal(iter.Value(), &msgs); err != nil {
			return nil, fmt.Errorf("task %d: %w", binary.BigEndian.Uint64(key[len(messagePrefix):]), err)
		}
		out[binary.BigEndian.Uint64(key[len(messagePrefix):])] = msgs
	}
	return out, iter.Error()
}

// Save replaces every stored task list in a single batch.
func (p *LevelPersister) Save(snapshot map[uint64][]Message) error {
	batch := new(leveldb.Batch)
	iter := p.db.NewIterator(util.BytesPrefix(messagePrefix), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for id, msgs := range snapshot {
		dat, err := json.Marshal(msgs)
		if err != nil {
			return err
		}
		batch.Put(messageKey(id), dat)
	}
	return p.db.Write(batch, nil)
}

func (p *LevelPersister) Close() error {
	return p.db.Close()
}
