package asr

// Tensor is a 3-D float32 tensor laid out as (layer, batch, width),
// row-major. It is the fixed representation for one component of a
// recurrent model state; the batch axis is always axis 1.
type Tensor struct {
	Layers int
	Batch  int
	Width  int
	Data   []float32
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(layers, batch, width int) Tensor {
	return Tensor{
		Layers: layers,
		Batch:  batch,
		Width:  width,
		Data:   make([]float32, layers*batch*width),
	}
}

func (t Tensor) size() int { return t.Layers * t.Batch * t.Width }

// row returns the (layer, batch) slice of width elements.
func (t Tensor) row(layer, batch int) []float32 {
	off := (layer*t.Batch + batch) * t.Width
	return t.Data[off : off+t.Width]
}

func (t Tensor) validate() error {
	if t.Layers < 1 || t.Batch < 1 || t.Width < 1 {
		return shapeErrorf("non-positive dimensions (%d, %d, %d)", t.Layers, t.Batch, t.Width)
	}
	if len(t.Data) != t.size() {
		return shapeErrorf("data length %d does not match shape (%d, %d, %d)",
			len(t.Data), t.Layers, t.Batch, t.Width)
	}
	return nil
}

// State is the recurrent state a sequential model carries across
// decoding steps: an LSTM-style hidden/cell pair. A state is treated
// as a value: it is replaced wholesale after each inference step and
// never mutated in place.
type State struct {
	Hidden Tensor
	Cell   Tensor
}

// NewState allocates a zeroed single-stream state (batch axis 1).
func NewState(layers, hiddenWidth, cellWidth int) *State {
	return &State{
		Hidden: NewTensor(layers, 1, hiddenWidth),
		Cell:   NewTensor(layers, 1, cellWidth),
	}
}

func (s *State) validate() error {
	if s == nil {
		return shapeErrorf("nil state")
	}
	if err := s.Hidden.validate(); err != nil {
		return err
	}
	if err := s.Cell.validate(); err != nil {
		return err
	}
	if s.Hidden.Batch != s.Cell.Batch {
		return shapeErrorf("hidden batch %d does not match cell batch %d",
			s.Hidden.Batch, s.Cell.Batch)
	}
	return nil
}

// Batch reports the batch-axis size shared by both components.
func (s *State) Batch() int { return s.Hidden.Batch }

// StackStates concatenates single-stream states (batch axis 1) along
// the batch axis into one batched state, preserving order: entry i of
// the input becomes batch position i. Inputs are copied, never
// aliased. Returns a ShapeError if the non-batch dimensions differ
// between entries or any entry does not have a unit batch axis.
func StackStates(states []*State) (*State, error) {
	if len(states) == 0 {
		return nil, shapeErrorf("cannot stack an empty state list")
	}
	for i, st := range states {
		if err := st.validate(); err != nil {
			return nil, err
		}
		if st.Batch() != 1 {
			return nil, shapeErrorf("state %d has batch %d, want 1", i, st.Batch())
		}
		if st.Hidden.Layers != states[0].Hidden.Layers ||
			st.Hidden.Width != states[0].Hidden.Width ||
			st.Cell.Layers != states[0].Cell.Layers ||
			st.Cell.Width != states[0].Cell.Width {
			return nil, shapeErrorf("state %d shape differs from state 0", i)
		}
	}

	n := len(states)
	out := &State{
		Hidden: NewTensor(states[0].Hidden.Layers, n, states[0].Hidden.Width),
		Cell:   NewTensor(states[0].Cell.Layers, n, states[0].Cell.Width),
	}
	for i, st := range states {
		for l := 0; l < st.Hidden.Layers; l++ {
			copy(out.Hidden.row(l, i), st.Hidden.row(l, 0))
		}
		for l := 0; l < st.Cell.Layers; l++ {
			copy(out.Cell.row(l, i), st.Cell.row(l, 0))
		}
	}
	return out, nil
}

// UnstackStates splits a batched state along the batch axis into
// per-stream states, each retaining a batch axis of size 1. Entry i of
// the result corresponds to batch position i. The input is copied,
// never aliased.
func UnstackStates(batched *State) ([]*State, error) {
	if err := batched.validate(); err != nil {
		return nil, err
	}
	n := batched.Batch()
	out := make([]*State, n)
	for i := 0; i < n; i++ {
		st := &State{
			Hidden: NewTensor(batched.Hidden.Layers, 1, batched.Hidden.Width),
			Cell:   NewTensor(batched.Cell.Layers, 1, batched.Cell.Width),
		}
		for l := 0; l < batched.Hidden.Layers; l++ {
			copy(st.Hidden.row(l, 0), batched.Hidden.row(l, i))
		}
		for l := 0; l < batched.Cell.Layers; l++ {
			copy(st.Cell.row(l, 0), batched.Cell.row(l, i))
		}
		out[i] = st
	}
	return out, nil
}
