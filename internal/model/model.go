// Package model abstracts the batched transducer used by the decoding
// loop. The runtime treats the model as opaque: feature chunks and a
// batched recurrent state go in, an updated batched state and per-step
// symbols come out.
package model

import (
	"context"

	"github.com/vocalisd/vocalis/internal/asr"
)

// StreamOutput is one stream's decoder output for a chunk: one entry
// per subsampled decoding step, the empty string meaning blank.
type StreamOutput struct {
	Symbols []string
}

// Model runs batched inference over several streams at once.
type Model interface {
	// InitialState returns the start state for a fresh stream, with a
	// batch axis of size 1.
	InitialState() *asr.State

	// Run evaluates one chunk for each stream in the batch.
	// features[i] holds stream i's feature frames; state carries a
	// batch axis equal to len(features). The returned state has the
	// same batch layout and replaces the input wholesale; the input is
	// not modified.
	Run(ctx context.Context, features [][][]float32, state *asr.State) (*asr.State, []StreamOutput, error)
}
