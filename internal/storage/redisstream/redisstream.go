// Package redisstream is a MessageLog on Redis Streams. Every process pointed
// at the same Redis shares one log, so a broker that reconnects can replay what
// another process published while it was away.
//
// Layout (prefix defaults to "jobrelay:"):
//
//	<prefix>seq:{<queue>}   INCR counter, the last assigned seq
//	<prefix>log:{<queue>}   stream; entry ID "<seq>-0", field "msg" = JSON
//	<prefix>cursors         hash; field consumer\x00queue = last acked seq
//
// The append script touches a queue's counter and stream together, so both
// carry the queue as a Redis Cluster hash tag.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

const (
	DefaultPrefix = "jobrelay:"
	fieldMsg      = "msg"
)

// appendScript reserves the next seq and writes the entry in one step, so
// stream IDs are dense and increasing even with concurrent publishers.
var appendScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], seq .. '-0', 'msg', ARGV[1])
return seq
`)

// ackScript advances a cursor only forwards.
var ackScript = goredis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local seq = tonumber(ARGV[2])
if seq > cur then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// Option configures a Log.
type Option func(*Log)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option {
	return func(l *Log) { l.prefix = p }
}

// WithLogger sets the log logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// Log implements storage.MessageLog over a go-redis client.
type Log struct {
	client goredis.UniversalClient
	owned  bool
	prefix string
	logger *slog.Logger
	closed atomic.Bool
}

var _ storage.MessageLog = (*Log)(nil)

// Open dials url and returns a Log that owns the client.
func Open(ctx context.Context, url string, opts ...Option) (*Log, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstream: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstream: ping: %w", err)
	}
	l := New(client, opts...)
	l.owned = true
	return l, nil
}

// New wraps an existing client. Close leaves the client open.
func New(client goredis.UniversalClient, opts ...Option) *Log {
	l := &Log{client: client, prefix: DefaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "redisstream")
	return l
}

// Append implements storage.MessageLog. The stored JSON omits seq; it is
// recovered from the entry ID on read.
func (l *Log) Append(ctx context.Context, msg *types.Message) (uint64, error) {
	if l.closed.Load() {
		return 0, storage.ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("redisstream: marshal %s: %w", msg.ID, err)
	}
	seq, err := appendScript.Run(ctx, l.client,
		[]string{l.seqKey(msg.Queue), l.streamKey(msg.Queue)}, string(data)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redisstream: append to %q: %w", msg.Queue, err)
	}
	msg.Seq = uint64(seq)
	return msg.Seq, nil
}

// ReadAfter implements storage.MessageLog.
func (l *Log) ReadAfter(ctx context.Context, queue string, after uint64, limit int) ([]*types.Message, error) {
	if l.closed.Load() {
		return nil, storage.ErrClosed
	}
	start := strconv.FormatUint(after+1, 10) + "-0"
	var (
		entries []goredis.XMessage
		err     error
	)
	if limit > 0 {
		entries, err = l.client.XRangeN(ctx, l.streamKey(queue), start, "+", int64(limit)).Result()
	} else {
		entries, err = l.client.XRange(ctx, l.streamKey(queue), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: range %q: %w", queue, err)
	}

	out := make([]*types.Message, 0, len(entries))
	for _, e := range entries {
		seq, err := seqFromID(e.ID)
		if err != nil {
			return out, err
		}
		raw, _ := e.Values[fieldMsg].(string)
		var msg types.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return out, fmt.Errorf("redisstream: decode %s: %w: %v", e.ID, storage.ErrCorrupted, err)
		}
		msg.Seq = seq
		out = append(out, &msg)
	}
	return out, nil
}

// LastSeq implements storage.MessageLog.
func (l *Log) LastSeq(ctx context.Context, queue string) (uint64, error) {
	if l.closed.Load() {
		return 0, storage.ErrClosed
	}
	v, err := l.client.Get(ctx, l.seqKey(queue)).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redisstream: last seq %q: %w", queue, err)
	}
	return v, nil
}

// Ack implements storage.MessageLog.
func (l *Log) Ack(ctx context.Context, consumer, queue string, seq uint64) error {
	if l.closed.Load() {
		return storage.ErrClosed
	}
	err := ackScript.Run(ctx, l.client, []string{l.cursorsKey()},
		cursorField(consumer, queue), strconv.FormatUint(seq, 10)).Err()
	if err != nil {
		return fmt.Errorf("redisstream: ack %s/%s: %w", consumer, queue, err)
	}
	return nil
}

// Cursor implements storage.MessageLog.
func (l *Log) Cursor(ctx context.Context, consumer, queue string) (uint64, error) {
	if l.closed.Load() {
		return 0, storage.ErrClosed
	}
	v, err := l.client.HGet(ctx, l.cursorsKey(), cursorField(consumer, queue)).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redisstream: cursor %s/%s: %w", consumer, queue, err)
	}
	return v, nil
}

// Sync is a no-op; durability is Redis' persistence setting.
func (l *Log) Sync() error { return nil }

// Close marks the log closed and releases an owned client.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.owned {
		return l.client.Close()
	}
	return nil
}

func (l *Log) seqKey(queue string) string    { return l.prefix + "seq:{" + queue + "}" }
func (l *Log) streamKey(queue string) string { return l.prefix + "log:{" + queue + "}" }
func (l *Log) cursorsKey() string            { return l.prefix + "cursors" }

func cursorField(consumer, queue string) string { return consumer + "\x00" + queue }

func seqFromID(id string) (uint64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("redisstream: malformed entry id %q", id)
	}
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstream: malformed entry id %q: %w", id, err)
	}
	return seq, nil
}
