package tree

import (
	"errors"
	"testing"
)

func TestValidateParentsAllowsValidMoves(t *testing.T) {
	current := map[string]string{
		"a": "",
		"b": "a",
		"c": "b",
		"d": "",
	}
	changes := []ParentChange{
		{NodeID: "c", NewParentID: "a"},
		{NodeID: "d", NewParentID: "c"},
	}
	if err := ValidateParents(current, changes); err != nil {
		t.Fatalf("expected valid moves to pass, got %v", err)
	}
}

func TestValidateParentsRejectsSelfParent(t *testing.T) {
	current := map[string]string{"a": ""}
	err := ValidateParents(current, []ParentChange{{NodeID: "a", NewParentID: "a"}})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if cycleErr.OffendingID != "a" {
		t.Fatalf("expected offending id a, got %s", cycleErr.OffendingID)
	}
}

func TestValidateParentsRejectsMoveUnderDescendant(t *testing.T) {
	// services > waste-management; moving services under its own child
	// closes a cycle.
	current := map[string]string{
		"services":         "",
		"waste-management": "services",
	}
	err := ValidateParents(current, []ParentChange{
		{NodeID: "services", NewParentID: "waste-management"},
	})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if cycleErr.OffendingID != "services" {
		t.Fatalf("expected offending id services, got %s", cycleErr.OffendingID)
	}
}

func TestValidateParentsRejectsCrossBatchSwap(t *testing.T) {
	// a and b are unrelated roots; a under b plus b under a is only cyclic
	// when the two moves are combined.
	current := map[string]string{
		"a": "",
		"b": "",
	}
	err := ValidateParents(current, []ParentChange{
		{NodeID: "a", NewParentID: "b"},
		{NodeID: "b", NewParentID: "a"},
	})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError for cross-batch swap, got %v", err)
	}
}

func TestValidateParentsAllowsMoveToRoot(t *testing.T) {
	current := map[string]string{
		"a": "",
		"b": "a",
	}
	if err := ValidateParents(current, []ParentChange{{NodeID: "b", NewParentID: ""}}); err != nil {
		t.Fatalf("move to root should be valid, got %v", err)
	}
}

func TestValidateParentsEmptyBatch(t *testing.T) {
	if err := ValidateParents(map[string]string{"a": ""}, nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestValidateParentsChainedBatchCycle(t *testing.T) {
	// Three individually valid moves forming a ring through the overlay.
	current := map[string]string{
		"a": "",
		"b": "",
		"c": "",
	}
	err := ValidateParents(current, []ParentChange{
		{NodeID: "a", NewParentID: "b"},
		{NodeID: "b", NewParentID: "c"},
		{NodeID: "c", NewParentID: "a"},
	})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError for three-node ring, got %v", err)
	}
}
