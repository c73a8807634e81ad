package model

import (
	"context"
	"fmt"

	"github.com/vocalisd/vocalis/internal/asr"
)

type mockModel struct {
	layers      int
	hiddenWidth int
	subsampling int
	threshold   float32
}

// NewMockModel returns a deterministic stand-in model: a decoding step
// emits a symbol when the mean feature value across its frames exceeds
// threshold, and blank otherwise. Useful for wiring tests and for
// running the pipeline without an inference backend.
func NewMockModel(layers, hiddenWidth, subsampling int, threshold float32) Model {
	return &mockModel{
		layers:      layers,
		hiddenWidth: hiddenWidth,
		subsampling: subsampling,
		threshold:   threshold,
	}
}

func (m *mockModel) InitialState() *asr.State {
	return asr.NewState(m.layers, m.hiddenWidth, m.hiddenWidth)
}

func (m *mockModel) Run(_ context.Context, features [][][]float32, state *asr.State) (*asr.State, []StreamOutput, error) {
	if state == nil {
		return nil, nil, fmt.Errorf("nil batched state")
	}
	if state.Batch() != len(features) {
		return nil, nil, fmt.Errorf("state batch %d does not match %d feature chunks", state.Batch(), len(features))
	}

	perStream, err := asr.UnstackStates(state)
	if err != nil {
		return nil, nil, err
	}

	outputs := make([]StreamOutput, len(features))
	for i, chunk := range features {
		steps := len(chunk) / m.subsampling
		symbols := make([]string, 0, steps)
		for step := 0; step < steps; step++ {
			var sum float64
			var count int
			for _, frame := range chunk[step*m.subsampling : (step+1)*m.subsampling] {
				for _, v := range frame {
					sum += float64(v)
					count++
				}
			}
			if count > 0 && float32(sum/float64(count)) > m.threshold {
				symbols = append(symbols, fmt.Sprintf("w%d", step))
			} else {
				symbols = append(symbols, "")
			}
		}
		outputs[i] = StreamOutput{Symbols: symbols}
		// Nudge the state so transitions are observable downstream.
		perStream[i].Hidden.Data[0] += float32(steps)
	}

	next, err := asr.StackStates(perStream)
	if err != nil {
		return nil, nil, err
	}
	return next, outputs, nil
}
