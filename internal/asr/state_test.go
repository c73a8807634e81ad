package asr

import (
	"errors"
	"testing"
)

func ascendingState(layers, width int, base float32) *State {
	st := NewState(layers, width, width)
	for i := range st.Hidden.Data {
		st.Hidden.Data[i] = base + float32(i)
	}
	for i := range st.Cell.Data {
		st.Cell.Data[i] = -base - float32(i)
	}
	return st
}

func statesEqual(a, b *State) bool {
	if a.Hidden.Layers != b.Hidden.Layers || a.Hidden.Batch != b.Hidden.Batch || a.Hidden.Width != b.Hidden.Width {
		return false
	}
	if a.Cell.Layers != b.Cell.Layers || a.Cell.Batch != b.Cell.Batch || a.Cell.Width != b.Cell.Width {
		return false
	}
	for i := range a.Hidden.Data {
		if a.Hidden.Data[i] != b.Hidden.Data[i] {
			return false
		}
	}
	for i := range a.Cell.Data {
		if a.Cell.Data[i] != b.Cell.Data[i] {
			return false
		}
	}
	return true
}

func TestUnstackStackRoundTrip(t *testing.T) {
	states := []*State{
		ascendingState(3, 4, 100),
		ascendingState(3, 4, 200),
		ascendingState(3, 4, 300),
	}
	batched, err := StackStates(states)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if batched.Batch() != 3 {
		t.Fatalf("expected batch 3, got %d", batched.Batch())
	}
	split, err := UnstackStates(batched)
	if err != nil {
		t.Fatalf("unstack: %v", err)
	}
	if len(split) != 3 {
		t.Fatalf("expected 3 states, got %d", len(split))
	}
	for i := range states {
		if !statesEqual(states[i], split[i]) {
			t.Fatalf("state %d did not survive the round trip", i)
		}
	}
}

func TestStackUnstackRoundTrip(t *testing.T) {
	states := []*State{ascendingState(2, 5, 1), ascendingState(2, 5, 50)}
	batched, err := StackStates(states)
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	split, err := UnstackStates(batched)
	if err != nil {
		t.Fatalf("unstack: %v", err)
	}
	again, err := StackStates(split)
	if err != nil {
		t.Fatalf("restack: %v", err)
	}
	if !statesEqual(batched, again) {
		t.Fatal("batched state did not survive the round trip")
	}
}

func TestStackSingleState(t *testing.T) {
	st := ascendingState(1, 2, 7)
	batched, err := StackStates([]*State{st})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if !statesEqual(st, batched) {
		t.Fatal("stacking one state should be the identity")
	}
}

func TestStackDoesNotAliasInputs(t *testing.T) {
	st := ascendingState(1, 2, 7)
	batched, err := StackStates([]*State{st})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	batched.Hidden.Data[0] = 999
	if st.Hidden.Data[0] == 999 {
		t.Fatal("stack aliased input data")
	}
}

func TestStackShapeMismatch(t *testing.T) {
	states := []*State{ascendingState(2, 4, 0), ascendingState(2, 6, 0)}
	_, err := StackStates(states)
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestStackRejectsBatchedEntry(t *testing.T) {
	bad := &State{Hidden: NewTensor(2, 2, 4), Cell: NewTensor(2, 2, 4)}
	_, err := StackStates([]*State{bad})
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestStackEmptyList(t *testing.T) {
	if _, err := StackStates(nil); err == nil {
		t.Fatal("expected error for empty state list")
	}
}

func TestUnstackCorruptData(t *testing.T) {
	bad := &State{
		Hidden: Tensor{Layers: 2, Batch: 2, Width: 4, Data: make([]float32, 3)},
		Cell:   NewTensor(2, 2, 4),
	}
	_, err := UnstackStates(bad)
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}
