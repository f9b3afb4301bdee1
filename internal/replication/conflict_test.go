package replication

import (
	"testing"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/storage"
)

func rec(origin string, version cluster.VersionVector, value string) storage.Record {
	return storage.Record{
		Key:     "k",
		Value:   []byte(value),
		Version: version,
		Origin:  origin,
	}
}

func TestMaximal(t *testing.T) {
	t.Run("dominated records drop out", func(t *testing.T) {
		frontier := Maximal([]storage.Record{
			rec("a", cluster.VersionVector{"a": 1}, "old"),
			rec("a", cluster.VersionVector{"a": 2}, "new"),
		})
		if len(frontier) != 1 || string(frontier[0].Value) != "new" {
			t.Fatalf("unexpected frontier: %+v", frontier)
		}
	})

	t.Run("order does not matter", func(t *testing.T) {
		frontier := Maximal([]storage.Record{
			rec("a", cluster.VersionVector{"a": 2}, "new"),
			rec("a", cluster.VersionVector{"a": 1}, "old"),
		})
		if len(frontier) != 1 || string(frontier[0].Value) != "new" {
			t.Fatalf("unexpected frontier: %+v", frontier)
		}
	})

	t.Run("concurrent records survive", func(t *testing.T) {
		frontier := Maximal([]storage.Record{
			rec("a", cluster.VersionVector{"a": 1}, "left"),
			rec("b", cluster.VersionVector{"b": 1}, "right"),
			rec("a", cluster.VersionVector{"a": 1}, "left"), // duplicate from another replica
		})
		if len(frontier) != 2 {
			t.Fatalf("expected 2 concurrent records, got %d", len(frontier))
		}
	})

	t.Run("merge dominates both branches", func(t *testing.T) {
		frontier := Maximal([]storage.Record{
			rec("a", cluster.VersionVector{"a": 1}, "left"),
			rec("b", cluster.VersionVector{"b": 1}, "right"),
			rec("a", cluster.VersionVector{"a": 2, "b": 1}, "merged"),
		})
		if len(frontier) != 1 || string(frontier[0].Value) != "merged" {
			t.Fatalf("unexpected frontier: %+v", frontier)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := Maximal(nil); len(got) != 0 {
			t.Fatalf("expected empty frontier, got %+v", got)
		}
	})
}

func TestPickLWW(t *testing.T) {
	t.Run("higher timestamp wins", func(t *testing.T) {
		winner := PickLWW([]storage.Record{
			rec("a", cluster.VersionVector{"a": 1}, "low"),
			rec("b", cluster.VersionVector{"b": 3}, "high"),
		})
		if string(winner.Value) != "high" {
			t.Fatalf("winner = %s", winner.Value)
		}
	})

	t.Run("timestamp tie breaks on origin", func(t *testing.T) {
		winner := PickLWW([]storage.Record{
			rec("node-b", cluster.VersionVector{"node-b": 2}, "from-b"),
			rec("node-a", cluster.VersionVector{"node-a": 2}, "from-a"),
		})
		if winner.Origin != "node-a" {
			t.Fatalf("winner origin = %s, want node-a", winner.Origin)
		}
	})

	t.Run("deterministic regardless of order", func(t *testing.T) {
		siblings := []storage.Record{
			rec("node-c", cluster.VersionVector{"node-c": 2}, "c"),
			rec("node-a", cluster.VersionVector{"node-a": 2}, "a"),
			rec("node-b", cluster.VersionVector{"node-b": 2}, "b"),
		}
		first := PickLWW(siblings)
		reversed := []storage.Record{siblings[2], siblings[1], siblings[0]}
		if second := PickLWW(reversed); second.Origin != first.Origin {
			t.Fatalf("winner depends on order: %s vs %s", first.Origin, second.Origin)
		}
	})
}
