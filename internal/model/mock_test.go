package model

import (
	"context"
	"testing"

	"github.com/vocalisd/vocalis/internal/asr"
)

func constChunk(frames, dim int, value float32) [][]float32 {
	chunk := make([][]float32, frames)
	for i := range chunk {
		frame := make([]float32, dim)
		for j := range frame {
			frame[j] = value
		}
		chunk[i] = frame
	}
	return chunk
}

func TestMockModelSymbols(t *testing.T) {
	m := NewMockModel(2, 8, 4, 0)

	loud := constChunk(8, 4, 1)   // two steps above threshold
	quiet := constChunk(8, 4, -1) // two steps below
	state, err := asr.StackStates([]*asr.State{m.InitialState(), m.InitialState()})
	if err != nil {
		t.Fatalf("stack: %v", err)
	}

	next, outputs, err := m.Run(context.Background(), [][][]float32{loud, quiet}, state)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if len(outputs[0].Symbols) != 2 || len(outputs[1].Symbols) != 2 {
		t.Fatalf("expected 2 steps per stream, got %d and %d",
			len(outputs[0].Symbols), len(outputs[1].Symbols))
	}
	for _, sym := range outputs[0].Symbols {
		if sym == "" {
			t.Fatal("loud stream produced a blank step")
		}
	}
	for _, sym := range outputs[1].Symbols {
		if sym != "" {
			t.Fatalf("quiet stream produced symbol %q", sym)
		}
	}
	if next.Batch() != 2 {
		t.Fatalf("expected batch 2 state, got %d", next.Batch())
	}
	if next.Hidden.Data[0] == state.Hidden.Data[0] {
		t.Fatal("expected state to advance")
	}
}

func TestMockModelBatchMismatch(t *testing.T) {
	m := NewMockModel(1, 4, 2, 0)
	if _, _, err := m.Run(context.Background(), [][][]float32{constChunk(2, 4, 0)}, nil); err == nil {
		t.Fatal("expected error for nil state")
	}
}
