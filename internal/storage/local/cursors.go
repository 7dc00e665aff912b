package local

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketCursors = []byte("cursors")

// Cursors is a bbolt-backed table of consumer positions.
//
// Key:   consumer + 0x00 + queue
// Value: last acknowledged seq, 8 bytes big-endian
type Cursors struct {
	db *bbolt.DB
}

// OpenCursors opens (or creates) the cursor database at path.
func OpenCursors(path string) (*Cursors, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("cursors: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCursors)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cursors: init bucket: %w", err)
	}
	return &Cursors{db: db}, nil
}

// Advance moves the cursor forward to seq. Older values are ignored.
func (c *Cursors) Advance(consumer, queue string, seq uint64) error {
	key := cursorKey(consumer, queue)
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCursors)
		if cur := b.Get(key); len(cur) == 8 && binary.BigEndian.Uint64(cur) >= seq {
			return nil
		}
		var val [8]byte
		binary.BigEndian.PutUint64(val[:], seq)
		return b.Put(key, val[:])
	})
}

// Get returns the cursor, 0 when the consumer has never acknowledged.
func (c *Cursors) Get(consumer, queue string) (uint64, error) {
	var seq uint64
	err := c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketCursors).Get(cursorKey(consumer, queue)); len(v) == 8 {
			seq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return seq, err
}

// Close closes the underlying bbolt database.
func (c *Cursors) Close() error {
	return c.db.Close()
}

func cursorKey(consumer, queue string) []byte {
	key := make([]byte, 0, len(consumer)+1+len(queue))
	key = append(key, consumer...)
	key = append(key, 0)
	return append(key, queue...)
}
