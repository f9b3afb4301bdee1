package storage

import (
	"fmt"
	"math"
)

// DurableEngine is a MemoryEngine backed by a write-ahead log. Accepted
// applies are journaled before acknowledgement; on startup the log is
// replayed through the normal dominance rules, so a restarted node comes
// back with exactly the sibling sets it acknowledged.
type DurableEngine struct {
	*MemoryEngine
	log *Log
}

// NewDurableEngine opens the log under dir, replays it into a fresh
// in-memory engine, and compacts the log down to the surviving records.
func NewDurableEngine(dir string, maxSegmentBytes int64) (*DurableEngine, error) {
	log, err := OpenLog(dir, maxSegmentBytes)
	if err != nil {
		return nil, err
	}

	mem := NewMemoryEngine()
	records, err := log.ReadAll()
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	for _, rec := range records {
		if _, err := mem.Apply(rec); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("replay record %q: %w", rec.Key, err)
		}
	}

	e := &DurableEngine{MemoryEngine: mem, log: log}
	if len(records) > 0 {
		if err := e.compact(); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("compact wal: %w", err)
		}
	}
	return e, nil
}

// Apply journals the record after the in-memory engine accepts it.
// Dominated and duplicate records never reach the log.
func (e *DurableEngine) Apply(rec Record) (ApplyResult, error) {
	res, err := e.MemoryEngine.Apply(rec)
	if err != nil || res != ApplyAccepted {
		return res, err
	}
	if err := e.log.Append(rec); err != nil {
		return res, fmt.Errorf("journal record: %w", err)
	}
	return res, nil
}

// Close compacts the log to the live sibling sets and closes it.
func (e *DurableEngine) Close() error {
	if err := e.compact(); err != nil {
		_ = e.log.Close()
		return err
	}
	return e.log.Close()
}

func (e *DurableEngine) compact() error {
	live, err := e.Scan(0, math.MaxUint64)
	if err != nil {
		return err
	}
	return e.log.Compact(live)
}
