package protocol

import "time"

// AudioFrame carries PCM audio streamed from edge clients. PCM is
// 16-bit little-endian mono unless Channels says otherwise.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is decoder output broadcast on the bus. Segment numbers
// utterances within a session; StartFrame/EndFrame are subsampled
// decoding-step offsets across the whole session, letting clients
// derive absolute timestamps.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Segment    int       `json:"segment"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	StartFrame int       `json:"start_frame"`
	EndFrame   int       `json:"end_frame"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "asr.transcript.partial"
	SubjectTranscriptFinal   = "asr.transcript.final"
)
