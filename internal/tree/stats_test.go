package tree

import (
	"reflect"
	"testing"
)

func statsFixture() map[string]*Node {
	// top
	// ├── a
	// │   └── a1
	// └── b
	return map[string]*Node{
		"top": {ID: "top", ParentID: ""},
		"a":   {ID: "a", ParentID: "top"},
		"a1":  {ID: "a1", ParentID: "a"},
		"b":   {ID: "b", ParentID: "top"},
	}
}

func TestAffectedAncestorsDeepestFirst(t *testing.T) {
	nodes := statsFixture()
	order, err := AffectedAncestors(nodes, []string{"a1"})
	if err != nil {
		t.Fatalf("AffectedAncestors: %v", err)
	}
	want := []string{"a1", "a", "top"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestAffectedAncestorsSharedAncestorOnce(t *testing.T) {
	nodes := statsFixture()
	order, err := AffectedAncestors(nodes, []string{"a1", "b"})
	if err != nil {
		t.Fatalf("AffectedAncestors: %v", err)
	}
	counts := map[string]int{}
	for _, id := range order {
		counts[id]++
	}
	if counts["top"] != 1 {
		t.Fatalf("shared ancestor visited %d times: %v", counts["top"], order)
	}
	// a1 refreshes before a, a before top.
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if !(pos["a1"] < pos["a"] && pos["a"] < pos["top"]) {
		t.Fatalf("recompute order not bottom-up: %v", order)
	}
}

func TestRecomputeStatsRollsUp(t *testing.T) {
	nodes := statsFixture()
	direct := map[string]Stats{
		"a1":  {DocumentCount: 2, TotalSize: 200},
		"a":   {DocumentCount: 1, TotalSize: 50},
		"b":   {DocumentCount: 3, TotalSize: 10},
		"top": {},
	}
	rollups := map[string]Stats{
		"b": {DocumentCount: 3, TotalSize: 10},
	}

	order, err := AffectedAncestors(nodes, []string{"a1"})
	if err != nil {
		t.Fatalf("AffectedAncestors: %v", err)
	}
	RecomputeStats(nodes, direct, rollups, order)

	if got := rollups["a"]; got != (Stats{DocumentCount: 3, TotalSize: 250}) {
		t.Fatalf("a rollup = %+v", got)
	}
	// top sums its own direct stats plus both child rollups, including the
	// untouched persisted rollup of b.
	if got := rollups["top"]; got != (Stats{DocumentCount: 6, TotalSize: 260}) {
		t.Fatalf("top rollup = %+v", got)
	}
}

func TestRecomputeStatsAfterDetach(t *testing.T) {
	nodes := statsFixture()
	nodes["a"].ParentID = "" // a moved out from under top

	direct := map[string]Stats{
		"a1": {DocumentCount: 1, TotalSize: 100},
	}
	rollups := map[string]Stats{
		"a1": {DocumentCount: 1, TotalSize: 100},
		"a":  {DocumentCount: 1, TotalSize: 100},
	}

	order, err := AffectedAncestors(nodes, []string{"top"})
	if err != nil {
		t.Fatalf("AffectedAncestors: %v", err)
	}
	RecomputeStats(nodes, direct, rollups, order)

	if got := rollups["top"]; got != (Stats{}) {
		t.Fatalf("top should be empty after detach, got %+v", got)
	}
}
