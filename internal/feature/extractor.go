// Package feature defines the streaming feature-extractor boundary
// consumed by the ASR core. The runtime does not implement signal
// processing itself; a real extractor (fbank, MFCC, ...) is plugged in
// behind the Extractor interface.
package feature

// Extractor is a streaming acoustic feature extractor. Audio samples
// go in through AcceptWaveform; fixed-width feature frames come out
// through Frame once NumFramesReady reports them.
//
// NumFramesReady is monotonically non-decreasing. Frame(i) is valid
// for any i < NumFramesReady() and returns the same vector every time.
// An Extractor instance belongs to a single stream and is not safe for
// concurrent use.
type Extractor interface {
	// AcceptWaveform feeds raw audio samples, normalized to [-1, 1].
	AcceptWaveform(samples []float32)

	// InputFinished signals that no more samples will arrive, letting
	// the extractor flush any buffered partial frame.
	InputFinished()

	// NumFramesReady reports how many frames can be read with Frame.
	NumFramesReady() int

	// Frame returns the i-th extracted frame. The returned slice must
	// not be modified by the caller.
	Frame(i int) []float32

	// FeatureDim is the width of every extracted frame.
	FeatureDim() int

	// SampleRate is the audio sample rate the extractor was configured
	// with, in Hz. No resampling is performed anywhere in the runtime.
	SampleRate() float64

	// FrameShiftMS is the hop between successive frames in milliseconds.
	FrameShiftMS() float64
}
