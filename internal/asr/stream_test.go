package asr

import (
	"errors"
	"math"
	"testing"

	"github.com/vocalisd/vocalis/internal/feature"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	ex := feature.NewWindowExtractor(16000, 10, 80)
	s, err := NewStream(ex, 2, 4, NewState(2, 512, 512))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s
}

func TestFrameMonotonicity(t *testing.T) {
	s := newTestStream(t)

	// 10ms at 16kHz is 160 samples per frame; feed uneven chunks.
	chunks := []int{100, 500, 60, 1600, 7}
	total := 0
	prev := 0
	for _, n := range chunks {
		total += n
		if err := s.AcceptWaveform(16000, make([]float32, n)); err != nil {
			t.Fatalf("accept waveform: %v", err)
		}
		if s.NumFetchedFrames() < prev {
			t.Fatalf("fetched frames decreased: %d -> %d", prev, s.NumFetchedFrames())
		}
		if s.NumFetchedFrames() != s.NumFramesReady() {
			t.Fatalf("watermark %d does not match buffer length %d",
				s.NumFetchedFrames(), s.NumFramesReady())
		}
		prev = s.NumFetchedFrames()
	}
	if got, want := s.NumFetchedFrames(), total/160; got != want {
		t.Fatalf("expected %d frames before flush, got %d", want, got)
	}

	s.InputFinished()
	if s.NumFetchedFrames() != s.NumFramesReady() {
		t.Fatalf("watermark %d does not match buffer length %d after flush",
			s.NumFetchedFrames(), s.NumFramesReady())
	}
	// 2267 total samples: 14 full windows plus a flushed partial.
	if got := s.NumFetchedFrames(); got != total/160+1 {
		t.Fatalf("expected %d frames after flush, got %d", total/160+1, got)
	}
}

func TestInputFinishedIdempotent(t *testing.T) {
	s := newTestStream(t)
	if err := s.AcceptWaveform(16000, make([]float32, 200)); err != nil {
		t.Fatalf("accept waveform: %v", err)
	}
	s.InputFinished()
	got := s.NumFramesReady()
	s.InputFinished()
	if s.NumFramesReady() != got {
		t.Fatalf("second InputFinished changed buffer: %d -> %d", got, s.NumFramesReady())
	}
	if !s.Finished() {
		t.Fatal("expected stream to report finished")
	}
}

func TestSampleRateMismatch(t *testing.T) {
	s := newTestStream(t)
	err := s.AcceptWaveform(8000, make([]float32, 320))
	if err == nil {
		t.Fatal("expected error for mismatched sample rate")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T: %v", err, err)
	}
	if s.NumFramesReady() != 0 {
		t.Fatalf("feature buffer changed on rejected waveform: %d frames", s.NumFramesReady())
	}
}

func TestTailPaddingDeterminism(t *testing.T) {
	s := newTestStream(t)
	s.AddTailPadding(20)
	if got := s.NumFramesReady(); got != 20 {
		t.Fatalf("expected 20 padding frames, got %d", got)
	}
	if s.NumFetchedFrames() != 0 {
		t.Fatalf("tail padding moved the fetched watermark to %d", s.NumFetchedFrames())
	}
	want := float32(math.Log(1e-10))
	for i := 0; i < 20; i++ {
		frame := s.Frame(i)
		if len(frame) != 80 {
			t.Fatalf("frame %d has width %d, want 80", i, len(frame))
		}
		for j, v := range frame {
			if v != want {
				t.Fatalf("frame %d component %d is %v, want %v", i, j, v, want)
			}
		}
	}
}

func TestFrameRangeOrder(t *testing.T) {
	s := newTestStream(t)
	if err := s.AcceptWaveform(16000, rampSamples(1600)); err != nil {
		t.Fatalf("accept waveform: %v", err)
	}
	frames := s.FrameRange(0, s.NumFramesReady())
	if len(frames) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(frames))
	}
	// Ramp input: per-window energy grows, so frames must be in
	// extraction order.
	for i := 1; i < len(frames); i++ {
		if frames[i][0] <= frames[i-1][0] {
			t.Fatalf("frame %d out of order: %v <= %v", i, frames[i][0], frames[i-1][0])
		}
	}
}

func TestNewStreamValidation(t *testing.T) {
	ex := feature.NewWindowExtractor(16000, 10, 80)
	if _, err := NewStream(ex, 0, 4, NewState(2, 8, 8)); err == nil {
		t.Fatal("expected error for context size 0")
	}
	if _, err := NewStream(ex, 2, 0, NewState(2, 8, 8)); err == nil {
		t.Fatal("expected error for subsampling factor 0")
	}
	batched := &State{Hidden: NewTensor(2, 3, 8), Cell: NewTensor(2, 3, 8)}
	_, err := NewStream(ex, 2, 4, batched)
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError for batched initial state, got %v", err)
	}
}

func rampSamples(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i) / float32(n)
	}
	return samples
}
