// Package decoder drives batched streaming recognition: it owns one
// ASR stream per session, feeds them audio frames from the bus, runs
// the model over all ready streams at a fixed cadence, and turns
// endpoint detections into finalized transcript segments.
package decoder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vocalisd/vocalis/internal/asr"
	"github.com/vocalisd/vocalis/internal/bus"
	"github.com/vocalisd/vocalis/internal/config"
	"github.com/vocalisd/vocalis/internal/feature"
	"github.com/vocalisd/vocalis/internal/model"
	"github.com/vocalisd/vocalis/internal/protocol"
	"github.com/vocalisd/vocalis/internal/segmentstore"
)

// ExtractorFactory builds a fresh feature extractor for each new
// stream.
type ExtractorFactory func() feature.Extractor

type Service struct {
	cfg      config.ASRConfig
	bus      *bus.Client
	mdl      model.Model
	store    *segmentstore.Store
	logger   *slog.Logger
	newEx    ExtractorFactory
	endpoint asr.EndpointConfig

	sessions map[string]*session
	mu       sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	sub     *nats.Subscription
	wg      sync.WaitGroup
	metrics *meters
}

// session pairs a stream with the decoder-side bookkeeping the core
// leaves to its caller.
type session struct {
	stream *asr.Stream
	cursor int // next feature frame to hand to the model
	words  []string
	last   string // last published partial, to suppress repeats
}

func NewService(parent context.Context, cfg config.ASRConfig, busClient *bus.Client, mdl model.Model, store *segmentstore.Store, newEx ExtractorFactory, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		mdl:      mdl,
		store:    store,
		logger:   log.With(slog.String("component", "decoder")),
		newEx:    newEx,
		endpoint: endpointConfig(cfg.Endpoint),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.metrics = newMeters(s)
	return s
}

func endpointConfig(cfg config.EndpointConfig) asr.EndpointConfig {
	rule := func(r config.EndpointRuleConfig) asr.EndpointRule {
		return asr.EndpointRule{
			MustContainNonsilence: r.MustContainNonsilence,
			MinTrailingSilence:    r.MinTrailingSilence,
			MinUtteranceLength:    r.MinUtteranceLength,
		}
	}
	return asr.EndpointConfig{
		Rule1: rule(cfg.Rule1),
		Rule2: rule(cfg.Rule2),
		Rule3: rule(cfg.Rule3),
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go s.decodeLoop()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	samples := pcmToFloat32(frame.PCM, frame.Channels)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[frame.SessionID]
	if sess == nil {
		stream, err := asr.NewStream(s.newEx(), s.cfg.ContextSize, s.cfg.SubsamplingFactor, s.mdl.InitialState())
		if err != nil {
			s.logger.Error("failed to create stream", slogError(err),
				slog.String("session", frame.SessionID))
			return
		}
		sess = &session{stream: stream}
		s.sessions[frame.SessionID] = sess
		if s.store != nil {
			if err := s.store.EnsureSession(s.ctx, frame.SessionID); err != nil {
				s.logger.Warn("failed to record session", slogError(err))
			}
		}
		s.logger.Info("stream opened", slog.String("session", frame.SessionID))
	}

	if len(samples) > 0 {
		if err := sess.stream.AcceptWaveform(float64(frame.SampleRate), samples); err != nil {
			s.logger.Warn("rejected audio frame", slogError(err),
				slog.String("session", frame.SessionID))
			return
		}
	}
	if frame.Final && !sess.stream.Finished() {
		sess.stream.InputFinished()
		sess.stream.AddTailPadding(s.cfg.TailPaddingFrames)
	}
}

func (s *Service) decodeLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.DecodeIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runBatch()
		}
	}
}

// runBatch performs one batched inference pass over every stream with
// a full decoding chunk ready (finished streams may bring a short
// tail). It is only ever called from the decode loop goroutine, so
// passes never overlap.
func (s *Service) runBatch() {
	chunkFrames := s.cfg.ChunkSteps * s.cfg.SubsamplingFactor

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		available := sess.stream.NumFramesReady() - sess.cursor
		if available >= chunkFrames || (sess.stream.Finished() && available >= s.cfg.SubsamplingFactor) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > s.cfg.MaxBatchSize {
		ids = ids[:s.cfg.MaxBatchSize]
	}
	if len(ids) == 0 {
		s.reapFinished()
		s.mu.Unlock()
		return
	}

	features := make([][][]float32, len(ids))
	states := make([]*asr.State, len(ids))
	for i, id := range ids {
		sess := s.sessions[id]
		available := sess.stream.NumFramesReady() - sess.cursor
		n := chunkFrames
		if available < n {
			// Finished stream tail, truncated to whole decoding steps.
			n = available - available%s.cfg.SubsamplingFactor
		}
		features[i] = sess.stream.FrameRange(sess.cursor, sess.cursor+n)
		states[i] = sess.stream.State()
	}
	s.mu.Unlock()

	batched, err := asr.StackStates(states)
	if err != nil {
		s.logger.Error("failed to stack states", slogError(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	next, outputs, err := s.mdl.Run(ctx, features, batched)
	cancel()
	if err != nil {
		s.logger.Warn("model run failed", slogError(err))
		return
	}

	split, err := asr.UnstackStates(next)
	if err != nil {
		s.logger.Error("failed to unstack states", slogError(err))
		return
	}
	if len(split) != len(ids) || len(outputs) != len(ids) {
		s.logger.Error("model returned a batch of unexpected size",
			slog.Int("want", len(ids)), slog.Int("states", len(split)), slog.Int("outputs", len(outputs)))
		return
	}

	s.mu.Lock()
	for i, id := range ids {
		sess := s.sessions[id]
		if sess == nil {
			continue
		}
		sess.stream.SetState(split[i])
		sess.cursor += len(features[i])
		s.applyOutput(id, sess, outputs[i])
	}
	s.reapFinished()
	s.mu.Unlock()
}

// applyOutput advances the stream counters one decoding step at a
// time, checking for an endpoint after each increment. Called with
// s.mu held.
func (s *Service) applyOutput(id string, sess *session, out model.StreamOutput) {
	st := sess.stream
	for _, symbol := range out.Symbols {
		if symbol == "" {
			st.NumTrailingBlanks++
		} else {
			st.NumTrailingBlanks = 0
			sess.words = append(sess.words, symbol)
		}
		st.ProcessedFrames += st.SubsamplingFactor()
		st.FrameOffset++
		st.SegmentFrameOffset++

		segment := st.Segment
		segmentStart := st.FrameOffset - st.SegmentFrameOffset
		if st.EndpointDetected(s.endpoint) {
			s.metrics.endpointDetected()
			s.finalizeSegment(id, sess, segment, segmentStart, st.FrameOffset)
		}
	}
	s.metrics.framesDecoded(int64(len(out.Symbols)))

	if s.cfg.PublishPartials {
		text := strings.Join(sess.words, " ")
		if text != "" && text != sess.last {
			sess.last = text
			s.publishTranscript(protocol.Transcript{
				SessionID:  id,
				Segment:    st.Segment,
				Text:       text,
				Partial:    true,
				StartFrame: st.FrameOffset - st.SegmentFrameOffset,
				EndFrame:   st.FrameOffset,
			}, protocol.SubjectTranscriptPartial)
		}
	}
}

// finalizeSegment publishes and persists one finished utterance, then
// clears the pending text. Called with s.mu held.
func (s *Service) finalizeSegment(id string, sess *session, segment, startFrame, endFrame int) {
	text := strings.Join(sess.words, " ")
	sess.words = nil
	sess.last = ""
	if text == "" {
		return
	}

	s.publishTranscript(protocol.Transcript{
		SessionID:  id,
		Segment:    segment,
		Text:       text,
		Partial:    false,
		StartFrame: startFrame,
		EndFrame:   endFrame,
	}, protocol.SubjectTranscriptFinal)

	if s.store != nil {
		if err := s.store.AppendSegment(s.ctx, segmentstore.Segment{
			SessionID:  id,
			Segment:    segment,
			Text:       text,
			StartFrame: startFrame,
			EndFrame:   endFrame,
		}); err != nil {
			s.logger.Warn("failed to persist segment", slogError(err), slog.String("session", id))
		}
	}
}

// reapFinished closes out sessions whose input ended and whose buffer
// is fully decoded, finalizing any text the endpoint rules never got
// to. Called with s.mu held.
func (s *Service) reapFinished() {
	for id, sess := range s.sessions {
		st := sess.stream
		remaining := st.NumFramesReady() - sess.cursor
		if !st.Finished() || remaining >= st.SubsamplingFactor() {
			continue
		}
		segmentStart := st.FrameOffset - st.SegmentFrameOffset
		s.finalizeSegment(id, sess, st.Segment, segmentStart, st.FrameOffset)
		delete(s.sessions, id)
		s.logger.Info("stream closed", slog.String("session", id),
			slog.Int("segments", st.Segment+1), slog.Int("frames", st.FrameOffset))
	}
}

func (s *Service) publishTranscript(msg protocol.Transcript, subject string) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if s.bus == nil {
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript", slogError(err))
	}
}

// activeStreams reports the session count for the metrics callback.
func (s *Service) activeStreams() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sessions))
}

// pcmToFloat32 converts 16-bit little-endian PCM to [-1, 1] floats,
// downmixing interleaved channels by averaging.
func pcmToFloat32(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	n := len(pcm) / 2
	frames := n / channels
	samples := make([]float32, 0, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float32(v) / 32768
		}
		samples = append(samples, sum/float32(channels))
	}
	return samples
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
