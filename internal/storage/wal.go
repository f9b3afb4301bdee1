package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Log is a segmented write-ahead log of applied records. Each entry is
// framed as [4 bytes length][4 bytes crc32][msgpack record], little
// endian. Segments rotate by size; replay reads them in creation order.
type Log struct {
	dir        string
	maxSegment int64

	mu      sync.Mutex
	file    *os.File
	size    int64
	segment int64
}

// OpenLog opens (or creates) the log directory and starts a segment.
func OpenLog(dir string, maxSegmentBytes int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	l := &Log{dir: dir, maxSegment: maxSegmentBytes}
	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append durably writes one record. The segment is synced before Append
// returns, so an acknowledged write survives a crash.
func (l *Log) Append(rec Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode wal entry: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := binary.Write(l.file, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write entry length: %w", err)
	}
	if err := binary.Write(l.file, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("write entry checksum: %w", err)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write entry data: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}

	l.size += int64(8 + len(data))
	if l.size >= l.maxSegment {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
	}
	return nil
}

// ReadAll replays every entry across all segments in order. An
// incomplete frame at a segment tail is a torn final write and the rest
// of that segment is skipped; a complete frame that fails its checksum
// is corruption and an error.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := l.segmentsLocked()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, name := range segments {
		records, err := readSegment(filepath.Join(l.dir, name))
		if err != nil {
			if errors.Is(err, errTornWrite) {
				out = append(out, records...)
				continue
			}
			return nil, fmt.Errorf("segment %s: %w", name, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// Compact replaces every segment with a single fresh one holding the
// given records. Called after the in-memory state has absorbed the log,
// so dominated entries stop occupying disk.
func (l *Log) Compact(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old, err := l.segmentsLocked()
	if err != nil {
		return err
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return err
		}
		l.file = nil
	}
	if err := l.openSegmentLocked(); err != nil {
		return err
	}

	for _, rec := range records {
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode wal entry: %w", err)
		}
		if err := binary.Write(l.file, binary.LittleEndian, uint32(len(data))); err != nil {
			return err
		}
		if err := binary.Write(l.file, binary.LittleEndian, crc32.ChecksumIEEE(data)); err != nil {
			return err
		}
		if _, err := l.file.Write(data); err != nil {
			return err
		}
		l.size += int64(8 + len(data))
	}
	if err := l.file.Sync(); err != nil {
		return err
	}

	current := filepath.Base(l.file.Name())
	for _, name := range old {
		if name == current {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("remove old segment %s: %w", name, err)
		}
	}
	return nil
}

// Close syncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) openSegment() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openSegmentLocked()
}

func (l *Log) openSegmentLocked() error {
	seg := time.Now().UnixNano()
	if seg <= l.segment {
		seg = l.segment + 1 // two rotations within one clock tick
	}
	l.segment = seg

	name := filepath.Join(l.dir, fmt.Sprintf("wal-%d.log", seg))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat segment: %w", err)
	}
	l.file = file
	l.size = stat.Size()
	return nil
}

func (l *Log) rotate() error {
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		if err := l.file.Close(); err != nil {
			return err
		}
	}
	return l.openSegmentLocked()
}

// segmentsLocked lists segment files ordered by creation timestamp.
func (l *Log) segmentsLocked() ([]string, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read wal directory: %w", err)
	}

	type seg struct {
		name string
		num  int64
	}
	var segs []seg
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		var num int64
		if _, err := fmt.Sscanf(file.Name(), "wal-%d.log", &num); err != nil {
			continue
		}
		segs = append(segs, seg{name: file.Name(), num: num})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].num < segs[j].num })

	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.name
	}
	return names, nil
}

// errTornWrite marks a frame cut short by a crash mid-append.
var errTornWrite = errors.New("torn write")

func readSegment(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var records []Record
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return records, fmt.Errorf("read entry length: %w", errTornWrite)
		}
		var checksum uint32
		if err := binary.Read(file, binary.LittleEndian, &checksum); err != nil {
			return records, fmt.Errorf("read entry checksum: %w", errTornWrite)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(file, data); err != nil {
			return records, fmt.Errorf("read entry data: %w", errTornWrite)
		}
		if crc32.ChecksumIEEE(data) != checksum {
			return records, fmt.Errorf("entry checksum mismatch")
		}

		var rec Record
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return records, fmt.Errorf("decode entry: %w", err)
		}
		records = append(records, rec)
	}
}
