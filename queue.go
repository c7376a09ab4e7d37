package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var queueBucket = []byte("items")

// diskQueue is a durable FIFO backed by a bbolt file. Items are JSON values
// under monotonically increasing 8-byte keys. Consumers peek the head,
// perform the side effect, then ack; an item is only removed once its effect
// is committed, so a crash mid-processing replays it on restart.
type diskQueue struct {
	name   string
	db     *bolt.DB
	notify chan struct{}
}

func openQueue(dir, name string) (*diskQueue, error) {
	db, err := bolt.Open(filepath.Join(dir, name+".db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init queue %s: %w", name, err)
	}
	return &diskQueue{name: name, db: db, notify: make(chan struct{}, 1)}, nil
}

func (q *diskQueue) Enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue %s: marshal: %w", q.name, err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(queueBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], data)
	})
	if err != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Peek returns the head item without removing it. ok is false on empty.
func (q *diskQueue) Peek() (key, data []byte, ok bool, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(queueBucket).Cursor().First()
		if k == nil {
			return nil
		}
		key = append([]byte(nil), k...)
		data = append([]byte(nil), v...)
		ok = true
		return nil
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("queue %s: peek: %w", q.name, err)
	}
	return key, data, ok, nil
}

// PeekWait blocks until an item is available or ctx is done.
func (q *diskQueue) PeekWait(ctx context.Context) (key, data []byte, err error) {
	for {
		key, data, ok, err := q.Peek()
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return key, data, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-q.notify:
		case <-time.After(time.Second):
		}
	}
}

func (q *diskQueue) Ack(key []byte) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("queue %s: ack: %w", q.name, err)
	}
	return nil
}

type queueEntry struct {
	Key  []byte
	Data []byte
}

// Snapshot returns all items in key order. Used by the retry drainer, which
// processes by eligibility rather than strict FIFO.
func (q *diskQueue) Snapshot() ([]queueEntry, error) {
	var entries []queueEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			entries = append(entries, queueEntry{
				Key:  append([]byte(nil), k...),
				Data: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: snapshot: %w", q.name, err)
	}
	return entries, nil
}

func (q *diskQueue) Len() int {
	var n int
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *diskQueue) Close() error {
	return q.db.Close()
}

// queueSet bundles the three durable queues of the write pipeline.
type queueSet struct {
	save  *diskQueue
	del   *diskQueue
	retry *diskQueue
}

func openQueues(dir string) (*queueSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	save, err := openQueue(dir, "save")
	if err != nil {
		return nil, err
	}
	del, err := openQueue(dir, "delete")
	if err != nil {
		_ = save.Close()
		return nil, err
	}
	retry, err := openQueue(dir, "retry")
	if err != nil {
		_ = save.Close()
		_ = del.Close()
		return nil, err
	}
	return &queueSet{save: save, del: del, retry: retry}, nil
}

func (qs *queueSet) Close() {
	_ = qs.save.Close()
	_ = qs.del.Close()
	_ = qs.retry.Close()
}
