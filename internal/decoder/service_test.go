package decoder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/vocalisd/vocalis/internal/config"
	"github.com/vocalisd/vocalis/internal/feature"
	"github.com/vocalisd/vocalis/internal/model"
	"github.com/vocalisd/vocalis/internal/protocol"
	"github.com/vocalisd/vocalis/internal/segmentstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.ASRConfig {
	return config.ASRConfig{
		Mode:              "mock",
		ModelLayers:       2,
		ModelHiddenSize:   8,
		SampleRate:        16000,
		FeatureDim:        4,
		FrameShiftMS:      10,
		ContextSize:       2,
		SubsamplingFactor: 4,
		ChunkSteps:        2,
		MaxBatchSize:      4,
		TailPaddingFrames: 20,
		DecodeIntervalMS:  50,
		PublishPartials:   true,
		Endpoint: config.EndpointConfig{
			Rule1: config.EndpointRuleConfig{MinTrailingSilence: 0.05},
			Rule2: config.EndpointRuleConfig{MustContainNonsilence: true, MinTrailingSilence: 5},
			Rule3: config.EndpointRuleConfig{MinUtteranceLength: 20},
		},
	}
}

func newTestService(t *testing.T, store *segmentstore.Store) *Service {
	t.Helper()
	cfg := testConfig()
	mdl := model.NewMockModel(cfg.ModelLayers, cfg.ModelHiddenSize, cfg.SubsamplingFactor, -10)
	svc := NewService(context.Background(), cfg, nil, mdl, store,
		func() feature.Extractor {
			return feature.NewWindowExtractor(float64(cfg.SampleRate), cfg.FrameShiftMS, cfg.FeatureDim)
		}, testLogger())
	t.Cleanup(svc.cancel)
	return svc
}

// feedFrame delivers an audio frame the way a bus subscription would.
func feedFrame(t *testing.T, svc *Service, sessionID string, samples []float32, final bool) {
	t.Helper()
	pcm := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v*32767)))
	}
	data, err := json.Marshal(protocol.AudioFrame{
		SessionID:  sessionID,
		SampleRate: 16000,
		Channels:   1,
		PCM:        pcm,
		Final:      final,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	svc.handleFrame(&nats.Msg{Data: data})
}

func constSamples(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp
	}
	return out
}

func TestBatchPassDecodesAndTracksCounters(t *testing.T) {
	svc := newTestService(t, nil)

	// One full chunk of loud audio: 2 decoding steps, both symbols.
	feedFrame(t, svc, "sess-a", constSamples(1280, 0.5), false)
	svc.runBatch()

	svc.mu.Lock()
	sess := svc.sessions["sess-a"]
	if sess == nil {
		t.Fatal("session not created")
	}
	st := sess.stream
	if got := len(sess.words); got != 2 {
		t.Fatalf("pending words = %d, want 2", got)
	}
	if sess.cursor != 8 {
		t.Fatalf("cursor = %d, want 8", sess.cursor)
	}
	if st.ProcessedFrames != 8 || st.FrameOffset != 2 || st.SegmentFrameOffset != 2 {
		t.Fatalf("counters = (%d, %d, %d), want (8, 2, 2)",
			st.ProcessedFrames, st.FrameOffset, st.SegmentFrameOffset)
	}
	if st.NumTrailingBlanks != 0 {
		t.Fatalf("trailing blanks = %d after speech, want 0", st.NumTrailingBlanks)
	}
	svc.mu.Unlock()
}

func TestEndpointFinalizesSegment(t *testing.T) {
	svc := newTestService(t, nil)

	feedFrame(t, svc, "sess-a", constSamples(1280, 0.5), false)
	svc.runBatch()
	// A chunk of silence: two blank steps, 0.08s of trailing silence,
	// past the 0.05s threshold.
	feedFrame(t, svc, "sess-a", constSamples(1280, 0), false)
	svc.runBatch()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	sess := svc.sessions["sess-a"]
	st := sess.stream
	if st.Segment != 1 {
		t.Fatalf("segment = %d, want 1 after endpoint", st.Segment)
	}
	if len(sess.words) != 0 || sess.last != "" {
		t.Fatalf("pending text not cleared: words=%v last=%q", sess.words, sess.last)
	}
	if st.ProcessedFrames != 0 || st.SegmentFrameOffset != 0 || st.NumTrailingBlanks != 0 {
		t.Fatalf("segment counters not reset: (%d, %d, %d)",
			st.ProcessedFrames, st.SegmentFrameOffset, st.NumTrailingBlanks)
	}
	if st.FrameOffset != 4 {
		t.Fatalf("frame offset = %d, want 4 across reset", st.FrameOffset)
	}
}

func TestFinalFrameDrainsAndPersists(t *testing.T) {
	store, err := segmentstore.Open(context.Background(), config.SegmentStoreConfig{
		Path:          filepath.Join(t.TempDir(), "segments.db"),
		RetentionMode: "persistent",
		RetentionDays: 30,
		MaxSessions:   100,
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := newTestService(t, store)

	// Loud speech followed by a final marker. Tail padding supplies the
	// trailing silence that closes the utterance.
	feedFrame(t, svc, "sess-a", constSamples(1280, 0.5), true)
	for i := 0; i < 10; i++ {
		svc.runBatch()
		svc.mu.Lock()
		n := len(svc.sessions)
		svc.mu.Unlock()
		if n == 0 {
			break
		}
	}

	svc.mu.Lock()
	if len(svc.sessions) != 0 {
		svc.mu.Unlock()
		t.Fatal("finished session was not reaped")
	}
	svc.mu.Unlock()

	segs, err := store.ListSessionSegments(context.Background(), "sess-a", 10)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("stored segments = %d, want 1", len(segs))
	}
	if segs[0].Text != "w0 w1" {
		t.Fatalf("segment text = %q, want %q", segs[0].Text, "w0 w1")
	}
	if segs[0].StartFrame != 0 || segs[0].EndFrame <= segs[0].StartFrame {
		t.Fatalf("segment frames = [%d, %d)", segs[0].StartFrame, segs[0].EndFrame)
	}
}

func TestRejectsMismatchedSampleRate(t *testing.T) {
	svc := newTestService(t, nil)

	feedFrame(t, svc, "sess-a", constSamples(400, 0.5), false)

	pcm := make([]byte, 800)
	data, _ := json.Marshal(protocol.AudioFrame{
		SessionID:  "sess-a",
		SampleRate: 8000,
		Channels:   1,
		PCM:        pcm,
	})
	svc.handleFrame(&nats.Msg{Data: data})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if got := svc.sessions["sess-a"].stream.NumFramesReady(); got != 2 {
		t.Fatalf("frames ready = %d, want 2 after rejected frame", got)
	}
}

func TestPCMConversion(t *testing.T) {
	pcm := make([]byte, 8)
	samples := []int16{16384, -16384, 32767, 0}
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	mono := pcmToFloat32(pcm, 1)
	if len(mono) != 4 {
		t.Fatalf("mono samples = %d, want 4", len(mono))
	}
	if math.Abs(float64(mono[0]-0.5)) > 1e-4 || math.Abs(float64(mono[1]+0.5)) > 1e-4 {
		t.Fatalf("mono conversion = %v", mono[:2])
	}

	stereo := pcmToFloat32(pcm, 2)
	if len(stereo) != 2 {
		t.Fatalf("stereo samples = %d, want 2", len(stereo))
	}
	if math.Abs(float64(stereo[0])) > 1e-4 {
		t.Fatalf("stereo downmix = %v, want first pair to cancel", stereo[0])
	}
}
