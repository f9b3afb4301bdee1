package replication

import (
	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/storage"
)

// Conflict policies accepted in configuration.
const (
	PolicySurface = "surface"
	PolicyLWW     = "lww"
)

// Maximal reduces a set of records to its causal frontier: every record
// not dominated by another, with exact duplicates collapsed. One record
// back means the key has a single current value; several mean concurrent
// writes that no causality information can order.
func Maximal(records []storage.Record) []storage.Record {
	var frontier []storage.Record

	for _, rec := range records {
		dominated := false
		next := make([]storage.Record, 0, len(frontier)+1)
		for _, kept := range frontier {
			switch kept.Version.Compare(rec.Version) {
			case cluster.Identical:
				if kept.Origin == rec.Origin {
					dominated = true // exact duplicate
				}
				next = append(next, kept)
			case cluster.After:
				dominated = true
				next = append(next, kept)
			case cluster.Before:
				// rec supersedes kept; drop it
			case cluster.Concurrent:
				next = append(next, kept)
			}
		}
		if !dominated {
			next = append(next, rec)
		}
		frontier = next
	}
	return frontier
}

// PickLWW deterministically selects one winner from concurrent siblings:
// the highest logical timestamp wins, with the lexicographically smaller
// origin ID breaking exact ties. Every node picks the same winner.
func PickLWW(siblings []storage.Record) storage.Record {
	winner := siblings[0]
	for _, rec := range siblings[1:] {
		wMax, rMax := winner.Version.Max(), rec.Version.Max()
		if rMax > wMax || (rMax == wMax && rec.Origin < winner.Origin) {
			winner = rec
		}
	}
	return winner
}
