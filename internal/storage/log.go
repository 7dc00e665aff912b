// Package storage defines the durable message log the Enhanced and Advanced
// broker tiers write ahead of every broadcast.
//
// The broker only talks to storage through MessageLog. Implementations:
//   - local.Storage: per-queue segment files plus a bbolt cursor db
//   - redisstream.Log: Redis Streams, shared by every process
package storage

import (
	"context"
	"errors"

	"github.com/sneh-joshi/jobrelay/internal/types"
)

var (
	// ErrCorrupted is returned when a stored entry fails its checksum.
	ErrCorrupted = errors.New("storage: entry corrupted")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("storage: log closed")
)

// MessageLog is an append-only, per-queue sequence of messages plus a set of
// named consumer cursors.
//
// Sequence numbers start at 1 and are dense within a queue. All methods must
// be safe for concurrent use.
type MessageLog interface {
	// Append durably records msg, assigns msg.Seq and returns it.
	Append(ctx context.Context, msg *types.Message) (uint64, error)

	// ReadAfter returns up to limit messages of queue with Seq > after, in
	// sequence order. limit <= 0 means no limit.
	ReadAfter(ctx context.Context, queue string, after uint64, limit int) ([]*types.Message, error)

	// LastSeq returns the highest sequence number written to queue.
	LastSeq(ctx context.Context, queue string) (uint64, error)

	// Ack advances consumer's cursor on queue to seq. Cursors never move
	// backwards; acknowledging an older seq is a no-op.
	Ack(ctx context.Context, consumer, queue string, seq uint64) error

	// Cursor returns consumer's last acknowledged seq on queue, 0 if none.
	Cursor(ctx context.Context, consumer, queue string) (uint64, error)

	// Sync flushes buffered writes to stable storage.
	Sync() error

	// Close releases the log.
	Close() error
}
