package local

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/sneh-joshi/jobrelay/internal/storage"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// segmentMagic is the 4-byte header at the start of every segment file.
var segmentMagic = [4]byte{0x4A, 0x52, 0x53, 0x01} // "JRS\x01"

// segmentFixedSize is the fixed part of every entry after the 4-byte length
// prefix:
//
//	seq(8) + msgID(26) + payloadLen(4) + checksum(4) = 42
const segmentFixedSize = 8 + 26 + 4 + 4

// Segment is the append-only record of one queue's messages.
//
// Entry layout:
//
//	[totalLen:4][seq:8][msgID:26][payloadLen:4][payload:N][checksum:4]
//
// totalLen counts everything after the prefix. The CRC32 covers seq through
// payload. On open the file is scanned once to rebuild the seq → offset table;
// a torn trailing entry from a crash mid-write is truncated away.
//
// All methods are safe for concurrent use.
type Segment struct {
	mu      sync.RWMutex
	file    *os.File
	path    string
	offsets []int64 // offsets[i] is where seq i+1 starts
	end     int64
}

// OpenSegment opens (or creates) the segment at path.
func OpenSegment(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	s := &Segment{file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.Write(segmentMagic[:]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment: write magic: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("segment: sync magic: %w", err)
		}
		s.end = int64(len(segmentMagic))
		return s, nil
	}

	var hdr [4]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: read magic: %w", err)
	}
	if hdr != segmentMagic {
		_ = f.Close()
		return nil, fmt.Errorf("segment: %s has invalid magic header", path)
	}
	if err := s.rebuild(info.Size()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Append writes msg with the next sequence number and returns it. msg.Seq is
// set before encoding so the stored copy carries its own position.
func (s *Segment) Append(msg *types.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint64(len(s.offsets)) + 1
	msg.Seq = seq
	payload, err := json.Marshal(msg)
	if err != nil {
		msg.Seq = 0
		return 0, fmt.Errorf("segment: marshal message %s: %w", msg.ID, err)
	}

	entry := encodeEntry(seq, msg.ID, payload)
	if _, err := s.file.WriteAt(entry, s.end); err != nil {
		msg.Seq = 0
		return 0, fmt.Errorf("segment: write seq %d: %w", seq, err)
	}
	s.offsets = append(s.offsets, s.end)
	s.end += int64(len(entry))
	return seq, nil
}

// ReadAfter returns up to limit messages with Seq > after.
func (s *Segment) ReadAfter(after uint64, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.offsets))
	if after >= total {
		return nil, nil
	}
	n := total - after
	if limit > 0 && uint64(limit) < n {
		n = uint64(limit)
	}

	out := make([]*types.Message, 0, n)
	for seq := after + 1; seq <= after+n; seq++ {
		_, payload, _, err := s.readEntry(s.offsets[seq-1])
		if err != nil {
			return out, fmt.Errorf("segment: read seq %d: %w", seq, err)
		}
		var msg types.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return out, fmt.Errorf("segment: decode seq %d: %w", seq, err)
		}
		msg.Seq = seq
		out = append(out, &msg)
	}
	return out, nil
}

// LastSeq returns the highest sequence number written.
func (s *Segment) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.offsets))
}

// Sync flushes the segment to physical disk.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close flushes and closes the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("segment: sync on close: %w", err)
	}
	return s.file.Close()
}

// Path returns the filesystem path of the segment.
func (s *Segment) Path() string { return s.path }

// ---- internal helpers -------------------------------------------------------

func encodeEntry(seq uint64, msgID string, payload []byte) []byte {
	totalLen := uint32(segmentFixedSize + len(payload))
	buf := make([]byte, 4+int(totalLen))

	binary.BigEndian.PutUint32(buf[0:], totalLen)
	binary.BigEndian.PutUint64(buf[4:], seq)
	id := padID(msgID)
	copy(buf[12:38], id[:])
	binary.BigEndian.PutUint32(buf[38:], uint32(len(payload)))
	copy(buf[42:], payload)

	checksum := crc32.ChecksumIEEE(buf[4 : 42+len(payload)])
	binary.BigEndian.PutUint32(buf[42+len(payload):], checksum)
	return buf
}

// readEntry decodes the entry at offset and returns its seq, payload and the
// total bytes it occupies including the length prefix.
func (s *Segment) readEntry(offset int64) (uint64, []byte, int64, error) {
	var lenBuf [4]byte
	if _, err := s.file.ReadAt(lenBuf[:], offset); err != nil {
		return 0, nil, 0, err
	}
	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen < segmentFixedSize {
		return 0, nil, 0, storage.ErrCorrupted
	}

	buf := make([]byte, totalLen)
	if _, err := s.file.ReadAt(buf, offset+4); err != nil {
		return 0, nil, 0, err
	}
	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(buf[:len(buf)-4]) != stored {
		return 0, nil, 0, storage.ErrCorrupted
	}

	seq := binary.BigEndian.Uint64(buf[0:])
	payloadLen := binary.BigEndian.Uint32(buf[34:])
	if int(38+payloadLen) > len(buf)-4 {
		return 0, nil, 0, storage.ErrCorrupted
	}
	return seq, buf[38 : 38+payloadLen], 4 + int64(totalLen), nil
}

// rebuild scans the file, restores the offset table and cuts off a torn tail.
func (s *Segment) rebuild(size int64) error {
	offset := int64(len(segmentMagic))
	for offset < size {
		seq, _, n, err := s.readEntry(offset)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, storage.ErrCorrupted) {
				break
			}
			return fmt.Errorf("segment: scan %s at %d: %w", s.path, offset, err)
		}
		if seq != uint64(len(s.offsets))+1 {
			return fmt.Errorf("segment: %s: %w: seq %d out of order", s.path, storage.ErrCorrupted, seq)
		}
		s.offsets = append(s.offsets, offset)
		offset += n
	}

	if offset < size {
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("segment: truncate torn tail: %w", err)
		}
	}
	s.end = offset
	return nil
}

// padID right-pads (or truncates) id to the 26 bytes of a ULID.
func padID(id string) [26]byte {
	var out [26]byte
	copy(out[:], id)
	return out
}
