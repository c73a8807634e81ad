// Package asr holds the per-utterance state machine at the heart of
// the runtime: buffered feature frames, the recurrent model state, the
// decoding counters, and endpoint detection. It is a passive data
// structure driven by an external batched-inference loop; it never
// blocks, never logs, and provides no internal locking. Each Stream
// must be owned by one goroutine at a time.
package asr

import (
	"math"

	"github.com/vocalisd/vocalis/internal/feature"
)

// LogEps is the log of a tiny probability, used as the fill value for
// tail-padding frames.
var LogEps = float32(math.Log(1e-10))

// Stream tracks one utterance session: incoming audio turned into
// feature frames, the model's recurrent state, and decoding progress.
//
// The exported counters are advanced by the decoding loop, not by the
// Stream itself: after each subsampled decoding step the caller
// increments ProcessedFrames, FrameOffset and SegmentFrameOffset, and
// either increments NumTrailingBlanks (blank output) or zeroes it
// (non-blank output), then calls EndpointDetected. Only the endpoint
// reset is owned here.
type Stream struct {
	// NumTrailingBlanks counts consecutive subsampled decoding steps
	// since the last non-blank model output. Reset on endpointing.
	NumTrailingBlanks int

	// ProcessedFrames counts feature frames (before subsampling)
	// consumed by the model since the current segment began. Reset on
	// endpointing.
	ProcessedFrames int

	// Segment counts endpoints detected so far. Never reset.
	Segment int

	// FrameOffset counts subsampled decoding steps across the whole
	// stream lifetime. Never reset; callers use it for global
	// timestamps.
	FrameOffset int

	// SegmentFrameOffset counts subsampled decoding steps since the
	// current segment began. Reset on endpointing.
	SegmentFrameOffset int

	extractor         feature.Extractor
	features          [][]float32
	numFetchedFrames  int
	state             *State
	contextSize       int
	subsamplingFactor int
	finished          bool
}

// NewStream builds a stream around the given extractor. contextSize
// and subsamplingFactor come from the decoder and encoder model
// configuration; initialState is the model's start state with a batch
// axis of size 1.
func NewStream(ex feature.Extractor, contextSize, subsamplingFactor int, initialState *State) (*Stream, error) {
	if contextSize < 1 {
		return nil, configErrorf("context size must be >= 1, got %d", contextSize)
	}
	if subsamplingFactor < 1 {
		return nil, configErrorf("subsampling factor must be >= 1, got %d", subsamplingFactor)
	}
	if err := initialState.validate(); err != nil {
		return nil, err
	}
	if initialState.Batch() != 1 {
		return nil, shapeErrorf("initial state has batch %d, want 1", initialState.Batch())
	}
	return &Stream{
		extractor:         ex,
		state:             initialState,
		contextSize:       contextSize,
		subsamplingFactor: subsamplingFactor,
	}, nil
}

// AcceptWaveform feeds audio samples to the feature extractor and
// fetches any frames that became ready. sampleRate is a sanity check
// only: if it differs from the extractor's configured rate a
// ConfigError is returned and nothing is forwarded. No resampling is
// performed.
func (s *Stream) AcceptWaveform(sampleRate float64, samples []float32) error {
	if want := s.extractor.SampleRate(); sampleRate != want {
		return configErrorf("sample rate %v does not match extractor rate %v", sampleRate, want)
	}
	s.extractor.AcceptWaveform(samples)
	s.fetchFrames()
	return nil
}

// InputFinished signals that no more audio will arrive, letting the
// extractor flush its buffered partial frame. Calling it again is a
// no-op.
func (s *Stream) InputFinished() {
	if s.finished {
		return
	}
	s.finished = true
	s.extractor.InputFinished()
	s.fetchFrames()
}

// Finished reports whether InputFinished has been called.
func (s *Stream) Finished() bool { return s.finished }

func (s *Stream) fetchFrames() {
	for s.numFetchedFrames < s.extractor.NumFramesReady() {
		s.features = append(s.features, s.extractor.Frame(s.numFetchedFrames))
		s.numFetchedFrames++
	}
}

// AddTailPadding appends n synthetic frames filled with LogEps so the
// model has enough right context to finish decoding the last words of
// an utterance. The fetched-frame watermark is not moved.
func (s *Stream) AddTailPadding(n int) {
	dim := s.extractor.FeatureDim()
	for i := 0; i < n; i++ {
		pad := make([]float32, dim)
		for j := range pad {
			pad[j] = LogEps
		}
		s.features = append(s.features, pad)
	}
}

// NumFramesReady reports how many feature frames are buffered.
func (s *Stream) NumFramesReady() int { return len(s.features) }

// NumFetchedFrames reports how many frames have been pulled from the
// extractor so far. Tail padding does not count.
func (s *Stream) NumFetchedFrames() int { return s.numFetchedFrames }

// Frame returns buffered frame i. The slice must not be modified.
func (s *Stream) Frame(i int) []float32 { return s.features[i] }

// FrameRange returns buffered frames [lo, hi). The inference loop uses
// it to pull fixed-size decoding chunks at its own cadence.
func (s *Stream) FrameRange(lo, hi int) [][]float32 { return s.features[lo:hi] }

// State returns the stream's current recurrent state.
func (s *Stream) State() *State { return s.state }

// SetState replaces the recurrent state wholesale after an inference
// step.
func (s *Stream) SetState(st *State) { s.state = st }

// ContextSize is the decoder model's context size.
func (s *Stream) ContextSize() int { return s.contextSize }

// SubsamplingFactor is the encoder's ratio of feature frames to
// decoding steps.
func (s *Stream) SubsamplingFactor() int { return s.subsamplingFactor }

// FrameShiftSeconds is the extractor's hop between frames in seconds.
func (s *Stream) FrameShiftSeconds() float64 {
	return s.extractor.FrameShiftMS() / 1000
}

// FeatureDim is the width of buffered feature frames.
func (s *Stream) FeatureDim() int { return s.extractor.FeatureDim() }
