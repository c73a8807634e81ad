// Command vocalis-send streams a WAV file to a running daemon and
// prints the transcripts it hears back, roughly pacing the audio at
// real time the way a live microphone would.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/nats-io/nats.go"
	"github.com/vocalisd/vocalis/internal/protocol"
)

func main() {
	var (
		url      string
		session  string
		chunk    int
		realtime bool
	)

	flag.StringVar(&url, "url", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&session, "session", "", "Session ID (defaults to file name plus timestamp)")
	flag.IntVar(&chunk, "chunk", 4096, "Samples per published frame")
	flag.BoolVar(&realtime, "realtime", true, "Pace frames at the audio's own rate")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <file.wav>\n", os.Args[0])
		os.Exit(2)
	}
	path := flag.Arg(0)
	if session == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		session = fmt.Sprintf("%s-%d", base, time.Now().Unix())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, url, session, path, chunk, realtime); err != nil {
		logger.Error("send failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, url, session, path string, chunk int, realtime bool) error {
	pcm, sampleRate, err := readWAV(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	logger.Info("sending audio",
		slog.String("session", session),
		slog.Int("samples", len(pcm)),
		slog.Int("sample_rate", sampleRate))

	nc, err := connect(url)
	if err != nil {
		return err
	}
	defer nc.Close()

	transcripts := make(chan protocol.Transcript, 16)
	sub, err := nc.Subscribe(protocol.SubjectTranscriptPartial, onTranscript(session, transcripts))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()
	finalSub, err := nc.Subscribe(protocol.SubjectTranscriptFinal, onTranscript(session, transcripts))
	if err != nil {
		return err
	}
	defer func() { _ = finalSub.Unsubscribe() }()

	subject := protocol.SubjectAudioFramePrefix + "." + session
	frameDur := time.Duration(float64(chunk) / float64(sampleRate) * float64(time.Second))

	seq := 0
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		final := false
		if end >= len(pcm) {
			end = len(pcm)
			final = true
		}
		if err := publishFrame(nc, subject, protocol.AudioFrame{
			SessionID:  session,
			Sequence:   seq,
			SampleRate: sampleRate,
			Channels:   1,
			PCM:        int16Bytes(pcm[off:end]),
			Final:      final,
		}); err != nil {
			return err
		}
		seq++

		drainTranscripts(transcripts)

		if realtime && !final {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frameDur):
			}
		}
	}

	// Input is done; hang around until the transcript stream goes quiet.
	idle := time.NewTimer(3 * time.Second)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr := <-transcripts:
			printTranscript(tr)
			idle.Reset(3 * time.Second)
		case <-idle.C:
			fmt.Println()
			return nil
		}
	}
}

func connect(url string) (*nats.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		nc, err := nats.Connect(url, nats.Name("vocalis-send"), nats.Timeout(5*time.Second))
		if err == nil {
			return nc, nil
		}
		lastErr = err
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("connect to %s: %w", url, lastErr)
}

func onTranscript(session string, out chan<- protocol.Transcript) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			return
		}
		if tr.SessionID != session {
			return
		}
		select {
		case out <- tr:
		default:
		}
	}
}

func drainTranscripts(in <-chan protocol.Transcript) {
	for {
		select {
		case tr := <-in:
			printTranscript(tr)
		default:
			return
		}
	}
}

func printTranscript(tr protocol.Transcript) {
	if tr.Partial {
		fmt.Printf("\r%-78s", lastWords(tr.Text, 20))
		return
	}
	fmt.Printf("\r[segment %d] %s\n", tr.Segment, tr.Text)
}

func lastWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

func publishFrame(nc *nats.Conn, subject string, frame protocol.AudioFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return nc.Publish(subject, data)
}

// readWAV decodes a WAV file to mono 16-bit samples, averaging
// channels and rescaling other bit depths.
func readWAV(path string) ([]int16, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, fmt.Errorf("missing format metadata")
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	return downmix(buf, bitDepth), buf.Format.SampleRate, nil
}

// downmix averages interleaved channels and rescales samples to the
// 16-bit range.
func downmix(buf *audio.IntBuffer, bitDepth int) []int16 {
	channels := buf.Format.NumChannels
	shift := bitDepth - 16

	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		v := sum / channels
		if shift > 0 {
			v >>= shift
		} else if shift < 0 {
			v <<= -shift
		}
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

func int16Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
