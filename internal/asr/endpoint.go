package asr

// EndpointRule is one way an utterance can end. A rule fires when the
// trailing silence is at least MinTrailingSilence seconds and the
// utterance is at least MinUtteranceLength seconds long; with
// MustContainNonsilence set the rule additionally requires that some
// speech was decoded in the segment.
type EndpointRule struct {
	MustContainNonsilence bool
	MinTrailingSilence    float64
	MinUtteranceLength    float64
}

// EndpointConfig combines three rules; an endpoint is declared when
// any of them fires.
//
// The defaults mirror common streaming-ASR policy: rule 1 ends a
// segment after 2.4 s of silence whether or not anything was said,
// rule 2 after 1.2 s of silence once speech was decoded, and rule 3
// caps a segment at 20 s regardless of silence.
type EndpointConfig struct {
	Rule1 EndpointRule
	Rule2 EndpointRule
	Rule3 EndpointRule
}

// DefaultEndpointConfig returns the default three-rule policy.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Rule1: EndpointRule{MustContainNonsilence: false, MinTrailingSilence: 2.4},
		Rule2: EndpointRule{MustContainNonsilence: true, MinTrailingSilence: 1.2},
		Rule3: EndpointRule{MustContainNonsilence: false, MinUtteranceLength: 20},
	}
}

func (r EndpointRule) fires(numFramesDecoded, trailingSilenceFrames int, frameShiftSeconds float64) bool {
	utteranceLength := float64(numFramesDecoded) * frameShiftSeconds
	trailingSilence := float64(trailingSilenceFrames) * frameShiftSeconds
	if r.MustContainNonsilence && utteranceLength <= trailingSilence {
		return false
	}
	return trailingSilence >= r.MinTrailingSilence &&
		utteranceLength >= r.MinUtteranceLength
}

// EndpointDetected is the pure endpoint predicate: it maps decoding
// statistics and a configuration to a decision, with no side effects.
// Frame counts are in pre-subsampling frames; frameShiftSeconds is the
// extractor's hop.
func EndpointDetected(cfg EndpointConfig, numFramesDecoded, trailingSilenceFrames int, frameShiftSeconds float64) bool {
	return cfg.Rule1.fires(numFramesDecoded, trailingSilenceFrames, frameShiftSeconds) ||
		cfg.Rule2.fires(numFramesDecoded, trailingSilenceFrames, frameShiftSeconds) ||
		cfg.Rule3.fires(numFramesDecoded, trailingSilenceFrames, frameShiftSeconds)
}

// EndpointDetected evaluates the endpoint rules against this stream's
// counters. On detection it resets the segment-local counters
// (NumTrailingBlanks, ProcessedFrames, SegmentFrameOffset) and
// increments Segment; FrameOffset is never touched. Without a
// detection the stream is left byte-for-byte unchanged.
//
// The decoding loop must call this after every step that advances
// ProcessedFrames; nothing inside the core drives it.
func (s *Stream) EndpointDetected(cfg EndpointConfig) bool {
	trailingSilenceFrames := s.NumTrailingBlanks * s.subsamplingFactor

	detected := EndpointDetected(cfg, s.ProcessedFrames, trailingSilenceFrames, s.FrameShiftSeconds())
	if detected {
		s.NumTrailingBlanks = 0
		s.ProcessedFrames = 0
		s.Segment++
		s.SegmentFrameOffset = 0
	}
	return detected
}
