package feature

import "math"

// WindowExtractor is a minimal Extractor used in mock mode and in
// tests. It slices the input into non-overlapping windows of
// frameShiftMS and emits one frame per window where every component is
// the window's log RMS energy. It is a stand-in with the right
// streaming behavior, not a real acoustic frontend.
type WindowExtractor struct {
	sampleRate   float64
	frameShiftMS float64
	featureDim   int

	window   []float32
	winSize  int
	frames   [][]float32
	finished bool
}

// NewWindowExtractor returns an extractor producing featureDim-wide
// frames every frameShiftMS milliseconds of sampleRate audio.
func NewWindowExtractor(sampleRate float64, frameShiftMS float64, featureDim int) *WindowExtractor {
	winSize := int(sampleRate * frameShiftMS / 1000)
	if winSize < 1 {
		winSize = 1
	}
	return &WindowExtractor{
		sampleRate:   sampleRate,
		frameShiftMS: frameShiftMS,
		featureDim:   featureDim,
		winSize:      winSize,
	}
}

func (e *WindowExtractor) AcceptWaveform(samples []float32) {
	if e.finished {
		return
	}
	e.window = append(e.window, samples...)
	for len(e.window) >= e.winSize {
		e.emit(e.window[:e.winSize])
		e.window = e.window[e.winSize:]
	}
}

func (e *WindowExtractor) InputFinished() {
	if e.finished {
		return
	}
	e.finished = true
	if len(e.window) > 0 {
		e.emit(e.window)
		e.window = nil
	}
}

func (e *WindowExtractor) emit(window []float32) {
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	energy := math.Log(sum/float64(len(window)) + 1e-10)
	frame := make([]float32, e.featureDim)
	for i := range frame {
		frame[i] = float32(energy)
	}
	e.frames = append(e.frames, frame)
}

func (e *WindowExtractor) NumFramesReady() int { return len(e.frames) }

func (e *WindowExtractor) Frame(i int) []float32 { return e.frames[i] }

func (e *WindowExtractor) FeatureDim() int { return e.featureDim }

func (e *WindowExtractor) SampleRate() float64 { return e.sampleRate }

func (e *WindowExtractor) FrameShiftMS() float64 { return e.frameShiftMS }
