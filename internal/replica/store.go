package replica

import (
	"sort"
	"sync"
	"time"
)

// Status is the local view of how current a peer's copy of a partition is.
type Status int

const (
	// StatusStale: the peer's copy has not been verified recently.
	StatusStale Status = iota
	// StatusSyncing: a repair round against the peer is in flight.
	StatusSyncing
	// StatusFresh: the last comparison found the peer's copy current.
	StatusFresh
	// StatusTombstoned: the replica pair no longer applies (the peer was
	// removed or the partition moved away) and is kept only for reporting.
	StatusTombstoned
)

// String returns the lowercase status name
func (s Status) String() string {
	switch s {
	case StatusStale:
		return "stale"
	case StatusSyncing:
		return "syncing"
	case StatusFresh:
		return "fresh"
	case StatusTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// Pair identifies one replica relationship tracked by the store.
type Pair struct {
	Partition int
	Node      string
}

// State is the tracked metadata for a pair.
type State struct {
	Status     Status
	LastSynced time.Time // zero until the first successful comparison
	UpdatedAt  time.Time
}

// Entry is a pair with its state, used for reporting and scheduling.
type Entry struct {
	Pair
	State
}

const numStripes = 16

type stripe struct {
	mu     sync.RWMutex
	states map[Pair]State
}

// Store tracks per-(partition, peer) replica freshness. Lock striping by
// partition keeps scheduler reads and repair writes from contending on a
// single mutex.
type Store struct {
	stripes [numStripes]stripe
}

// NewStore creates an empty replica metadata store
func NewStore() *Store {
	s := &Store{}
	for i := range s.stripes {
		s.stripes[i].states = make(map[Pair]State)
	}
	return s
}

func (s *Store) stripeFor(p Pair) *stripe {
	return &s.stripes[p.Partition%numStripes]
}

// Get returns the state for a pair; unknown pairs are stale.
func (s *Store) Get(p Pair) State {
	st := s.stripeFor(p)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.states[p]
}

// Track registers a pair if it is not already known, starting it stale so
// the scheduler picks it up.
func (s *Store) Track(p Pair) {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.states[p]; !ok {
		st.states[p] = State{Status: StatusStale, UpdatedAt: time.Now()}
	}
}

// MarkSyncing flags a repair round in flight. Returns false when the pair
// is already syncing, so two scheduler cycles cannot race on one pair.
func (s *Store) MarkSyncing(p Pair) bool {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.states[p]
	if state.Status == StatusSyncing {
		return false
	}
	state.Status = StatusSyncing
	state.UpdatedAt = time.Now()
	st.states[p] = state
	return true
}

// MarkFresh records a successful comparison at the given time.
func (s *Store) MarkFresh(p Pair, when time.Time) {
	s.set(p, StatusFresh, when)
}

// MarkStale flags the pair for the next scheduler cycle, keeping its
// last-synced time.
func (s *Store) MarkStale(p Pair) {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.states[p]
	state.Status = StatusStale
	state.UpdatedAt = time.Now()
	st.states[p] = state
}

// RecordWrite folds a replica write outcome into the freshness state. Only
// pairs already tracked are touched: a success refreshes the last-synced
// time, a failure flags the pair stale. Pairs mid-repair or tombstoned are
// left alone.
func (s *Store) RecordWrite(p Pair, ok bool, when time.Time) {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	state, known := st.states[p]
	if !known || state.Status == StatusSyncing || state.Status == StatusTombstoned {
		return
	}
	if ok {
		state.Status = StatusFresh
		state.LastSynced = when
	} else {
		state.Status = StatusStale
	}
	state.UpdatedAt = time.Now()
	st.states[p] = state
}

// MarkTombstoned retires a pair that no longer applies.
func (s *Store) MarkTombstoned(p Pair) {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.states[p]
	state.Status = StatusTombstoned
	state.UpdatedAt = time.Now()
	st.states[p] = state
}

// Forget drops every pair involving a node. Called on member eviction.
func (s *Store) Forget(node string) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for p := range st.states {
			if p.Node == node {
				delete(st.states, p)
			}
		}
		st.mu.Unlock()
	}
}

func (s *Store) set(p Pair, status Status, synced time.Time) {
	st := s.stripeFor(p)
	st.mu.Lock()
	defer st.mu.Unlock()

	state := st.states[p]
	state.Status = status
	state.LastSynced = synced
	state.UpdatedAt = time.Now()
	st.states[p] = state
}

// Oldest returns up to limit non-tombstoned pairs ordered by last-synced
// time, oldest first. Pairs already syncing are skipped.
func (s *Store) Oldest(limit int) []Entry {
	var entries []Entry
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for p, state := range st.states {
			if state.Status == StatusTombstoned || state.Status == StatusSyncing {
				continue
			}
			entries = append(entries, Entry{Pair: p, State: state})
		}
		st.mu.RUnlock()
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastSynced.Equal(entries[j].LastSynced) {
			return entries[i].LastSynced.Before(entries[j].LastSynced)
		}
		if entries[i].Partition != entries[j].Partition {
			return entries[i].Partition < entries[j].Partition
		}
		return entries[i].Node < entries[j].Node
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Snapshot returns every tracked pair for reporting.
func (s *Store) Snapshot() []Entry {
	var entries []Entry
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for p, state := range st.states {
			entries = append(entries, Entry{Pair: p, State: state})
		}
		st.mu.RUnlock()
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Partition != entries[j].Partition {
			return entries[i].Partition < entries[j].Partition
		}
		return entries[i].Node < entries[j].Node
	})
	return entries
}
