package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/vocalisd/vocalis/internal/asr"
)

// execModel shells out to an external inference command once per batch
// pass, exchanging JSON on stdin/stdout. The command is expected to
// hold the actual network weights; this side only moves tensors.
type execModel struct {
	cmd         []string
	layers      int
	hiddenWidth int
	mu          sync.Mutex
}

type execTensor struct {
	Layers int       `json:"layers"`
	Batch  int       `json:"batch"`
	Width  int       `json:"width"`
	Data   []float32 `json:"data"`
}

type execState struct {
	Hidden execTensor `json:"hidden"`
	Cell   execTensor `json:"cell"`
}

type execRequest struct {
	Features [][][]float32 `json:"features"`
	State    execState     `json:"state"`
}

type execResponse struct {
	State   execState  `json:"state"`
	Outputs [][]string `json:"outputs"`
}

// NewExecModel parses the inference command line and returns a Model
// backed by it.
func NewExecModel(command string, layers, hiddenWidth int) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execModel{cmd: args, layers: layers, hiddenWidth: hiddenWidth}, nil
}

func (m *execModel) InitialState() *asr.State {
	return asr.NewState(m.layers, m.hiddenWidth, m.hiddenWidth)
}

func (m *execModel) Run(ctx context.Context, features [][][]float32, state *asr.State) (*asr.State, []StreamOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Features: features,
		State: execState{
			Hidden: execTensor(state.Hidden),
			Cell:   execTensor(state.Cell),
		},
	})
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, m.cmd[0], m.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, nil, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, nil, fmt.Errorf("decode model response: %w", err)
	}
	if len(resp.Outputs) != len(features) {
		return nil, nil, fmt.Errorf("model returned %d outputs for %d streams", len(resp.Outputs), len(features))
	}

	next := &asr.State{
		Hidden: asr.Tensor(resp.State.Hidden),
		Cell:   asr.Tensor(resp.State.Cell),
	}
	outputs := make([]StreamOutput, len(resp.Outputs))
	for i, symbols := range resp.Outputs {
		outputs[i] = StreamOutput{Symbols: symbols}
	}
	return next, outputs, nil
}
