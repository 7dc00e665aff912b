// Package local is the single-node MessageLog: one append-only segment file
// per queue plus a bbolt database of consumer cursors.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

const (
	segmentsDirName = "segments"
	segmentExt      = ".seg"
	cursorsFileName = "cursors.db"
)

// ─── Local Storage Config ────────────────────────────────────────────────────

// FsyncPolicy controls when appends are flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every append
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncIntervalMs
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize appends
	FsyncNever    FsyncPolicy = "never"    // leave it to the OS
)

// Config tunes local.Storage. Zero fields take DefaultConfig values.
type Config struct {
	Fsync           FsyncPolicy
	FsyncIntervalMs int
	FsyncBatchSize  int
	Logger          *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:           FsyncInterval,
		FsyncIntervalMs: 200,
		FsyncBatchSize:  64,
	}
}

// ─── Storage ─────────────────────────────────────────────────────────────────

// Storage implements storage.MessageLog on the local filesystem.
// All methods are safe for concurrent use.
type Storage struct {
	dir     string
	cfg     Config
	logger  *slog.Logger
	cursors *Cursors

	mu       sync.Mutex
	segments map[string]*Segment
	closed   bool

	writeCount atomic.Int64

	fsyncTicker *time.Ticker
	fsyncDone   chan struct{}
	fsyncWG     sync.WaitGroup
	fsyncOnce   sync.Once
	closeOnce   sync.Once
}

var _ storage.MessageLog = (*Storage)(nil)

// Open creates (or reopens) a Storage rooted at dir. Existing segments are
// opened lazily on first access.
func Open(dir string, cfgs ...Config) (*Storage, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncIntervalMs > 0 {
			cfg.FsyncIntervalMs = c.FsyncIntervalMs
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		cfg.Logger = c.Logger
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(dir, segmentsDirName), 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}
	cursors, err := OpenCursors(filepath.Join(dir, cursorsFileName))
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}

	s := &Storage{
		dir:      dir,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "storage", "dir", dir),
		cursors:  cursors,
		segments: make(map[string]*Segment),
	}
	s.startFsync()
	return s, nil
}

// Append implements storage.MessageLog.
func (s *Storage) Append(ctx context.Context, msg *types.Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seg, err := s.segment(msg.Queue)
	if err != nil {
		return 0, err
	}
	seq, err := seg.Append(msg)
	if err != nil {
		return 0, fmt.Errorf("local storage: append to %q: %w", msg.Queue, err)
	}

	switch s.cfg.Fsync {
	case FsyncAlways:
		if err := seg.Sync(); err != nil {
			return seq, fmt.Errorf("local storage: fsync %q: %w", msg.Queue, err)
		}
	case FsyncBatch:
		if n := s.writeCount.Add(1); n%int64(s.cfg.FsyncBatchSize) == 0 {
			if err := s.Sync(); err != nil {
				return seq, err
			}
		}
	}
	return seq, nil
}

// ReadAfter implements storage.MessageLog.
func (s *Storage) ReadAfter(ctx context.Context, queue string, after uint64, limit int) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seg, err := s.segment(queue)
	if err != nil {
		return nil, err
	}
	return seg.ReadAfter(after, limit)
}

// LastSeq implements storage.MessageLog.
func (s *Storage) LastSeq(ctx context.Context, queue string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seg, err := s.segment(queue)
	if err != nil {
		return 0, err
	}
	return seg.LastSeq(), nil
}

// Ack implements storage.MessageLog.
func (s *Storage) Ack(ctx context.Context, consumer, queue string, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return storage.ErrClosed
	}
	if err := s.cursors.Advance(consumer, queue, seq); err != nil {
		return fmt.Errorf("local storage: ack %s/%s: %w", consumer, queue, err)
	}
	return nil
}

// Cursor implements storage.MessageLog.
func (s *Storage) Cursor(ctx context.Context, consumer, queue string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, storage.ErrClosed
	}
	return s.cursors.Get(consumer, queue)
}

// Sync flushes every open segment.
func (s *Storage) Sync() error {
	s.mu.Lock()
	segs := make([]*Segment, 0, len(s.segments))
	for _, seg := range s.segments {
		segs = append(segs, seg)
	}
	s.mu.Unlock()

	for _, seg := range segs {
		if err := seg.Sync(); err != nil {
			return fmt.Errorf("local storage: sync %s: %w", seg.Path(), err)
		}
	}
	return nil
}

// Close stops the fsync goroutine and closes every file. Safe to call more
// than once.
func (s *Storage) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.stopFsync()

		s.mu.Lock()
		s.closed = true
		segs := s.segments
		s.segments = nil
		s.mu.Unlock()

		for _, seg := range segs {
			if err := seg.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.cursors.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// ─── internal ────────────────────────────────────────────────────────────────

func (s *Storage) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// segment returns the open segment for queue, opening it on first use.
func (s *Storage) segment(queue string) (*Segment, error) {
	if queue == "" {
		return nil, fmt.Errorf("local storage: empty queue name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if seg, ok := s.segments[queue]; ok {
		return seg, nil
	}
	path := filepath.Join(s.dir, segmentsDirName, url.PathEscape(queue)+segmentExt)
	seg, err := OpenSegment(path)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	s.segments[queue] = seg
	s.logger.Debug("segment opened", "queue", queue, "seq", seg.LastSeq())
	return seg, nil
}

func (s *Storage) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	s.fsyncTicker = time.NewTicker(time.Duration(s.cfg.FsyncIntervalMs) * time.Millisecond)
	s.fsyncDone = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		for {
			select {
			case <-s.fsyncTicker.C:
				if err := s.Sync(); err != nil {
					s.logger.Warn("background fsync failed", "err", err)
				}
			case <-s.fsyncDone:
				return
			}
		}
	}()
}

func (s *Storage) stopFsync() {
	s.fsyncOnce.Do(func() {
		if s.fsyncTicker == nil {
			return
		}
		s.fsyncTicker.Stop()
		close(s.fsyncDone)
		s.fsyncWG.Wait()
	})
}
