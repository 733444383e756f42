package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// holdSynth emits one final chunk only when released, so tests can observe
// interruption of a long utterance.
type holdSynth struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	release   chan struct{}
}

func (h *holdSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	h.mu.Lock()
	h.started = append(h.started, req.Text)
	h.mu.Unlock()
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.cancelled = append(h.cancelled, req.Text)
			h.mu.Unlock()
			errs <- ctx.Err()
		case <-h.release:
			chunks <- SynthChunk{SampleRate: 16000, Channels: 1, PCM: []byte{0, 0}, Final: true}
		}
	}()
	return chunks, errs
}

func (h *holdSynth) snapshot() ([]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...), append([]string(nil), h.cancelled...)
}

type recordSink struct {
	mu      sync.Mutex
	written []SynthChunk
	stopped []string
}

func (r *recordSink) Write(_ context.Context, chunk SynthChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, chunk)
	return nil
}

func (r *recordSink) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
}

func (r *recordSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.written), len(r.stopped)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSpeakerLatestWins(t *testing.T) {
	synth := &holdSynth{release: make(chan struct{})}
	sink := &recordSink{}
	s := NewSpeaker(context.Background(), config.SpeechConfig{Voice: "en-US"}, synth, sink, newLogger())
	t.Cleanup(s.Close)

	s.Speak(context.Background(), "hello")
	waitFor(t, func() bool { started, _ := synth.snapshot(); return len(started) == 1 })
	s.Speak(context.Background(), "help")

	waitFor(t, func() bool { _, cancelled := synth.snapshot(); return len(cancelled) == 1 })
	_, cancelled := synth.snapshot()
	if cancelled[0] != "hello" {
		t.Fatalf("expected first utterance interrupted, got %v", cancelled)
	}
	if _, stopped := sink.counts(); stopped != 1 {
		t.Fatalf("expected sink stop for interrupted utterance, got %d", stopped)
	}

	close(synth.release)
	waitFor(t, func() bool { written, _ := sink.counts(); return written == 1 })
	waitFor(t, func() bool { return !s.Speaking() })
}

func TestSpeakerCancel(t *testing.T) {
	synth := &holdSynth{release: make(chan struct{})}
	sink := &recordSink{}
	s := NewSpeaker(context.Background(), config.SpeechConfig{}, synth, sink, newLogger())
	t.Cleanup(s.Close)

	s.Speak(context.Background(), "yes")
	if !s.Speaking() {
		t.Fatal("expected utterance in flight")
	}
	s.Cancel()
	s.Cancel()
	if s.Speaking() {
		t.Fatal("expected no utterance after cancel")
	}
	waitFor(t, func() bool { _, cancelled := synth.snapshot(); return len(cancelled) == 1 })
}

func TestMockSynthProducesFinalChunk(t *testing.T) {
	chunks, errs := NewMockSynth(22050, 1).Synthesize(context.Background(), SynthRequest{Text: "hi"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got[0].Final || len(got[0].PCM) == 0 {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBusSinkPublishesChunksAndStatus(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBusSink(pub, "kiosk", newLogger())
	if err := sink.Write(context.Background(), SynthChunk{UtteranceID: "u1", PCM: []byte{1, 2}, Final: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sink.Stop("u2")

	want := []string{protocol.SubjectTTSAudio, protocol.SubjectTTSDone, protocol.SubjectTTSDone}
	if len(pub.subjects) != len(want) {
		t.Fatalf("expected %v, got %v", want, pub.subjects)
	}
	for i := range want {
		if pub.subjects[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, pub.subjects)
		}
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(pub.payloads[2], &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Interrupted || status.UtteranceID != "u2" || status.Target != "kiosk" {
		t.Fatalf("unexpected interrupt status %+v", status)
	}
}

func TestPlayerSinkWritesWav(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "played.wav")
	sink, err := NewPlayerSink(`sh -c 'cp "$0" ` + out + `'`)
	if err != nil {
		t.Fatalf("new player sink: %v", err)
	}
	ctx := context.Background()
	if err := sink.Write(ctx, SynthChunk{UtteranceID: "u1", SampleRate: 16000, Channels: 1, PCM: []byte{1, 0, 2, 0}}); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := sink.Write(ctx, SynthChunk{UtteranceID: "u1", SampleRate: 16000, Channels: 1, PCM: []byte{3, 0}, Final: true}); err != nil {
		t.Fatalf("write final: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open played wav: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if dec.SampleRate != 16000 {
		t.Fatalf("expected 16000Hz, got %d", dec.SampleRate)
	}
	if len(buf.Data) != 3 || buf.Data[2] != 3 {
		t.Fatalf("unexpected samples %v", buf.Data)
	}
}

func collect(t *testing.T, synth Synthesizer, req SynthRequest) []SynthChunk {
	t.Helper()
	chunks, errs := synth.Synthesize(context.Background(), req)
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	return got
}

func TestExecSynthStreamsRawPCM(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	// 10 Hz mono makes 2-byte chunks.
	synth, err := NewExecSynth(`sh -c 'cat >/dev/null; printf %s "$LOQA_TTS_VOICE"'`, 10, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	got := collect(t, synth, SynthRequest{UtteranceID: "u1", Text: "hello", Voice: "abcdef"})
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	var pcm []byte
	for i, c := range got {
		if c.Final != (i == len(got)-1) {
			t.Fatalf("chunk %d final=%v", i, c.Final)
		}
		if c.UtteranceID != "u1" || c.SampleRate != 10 || c.Channels != 1 {
			t.Fatalf("unexpected chunk metadata %+v", c)
		}
		pcm = append(pcm, c.PCM...)
	}
	if string(pcm) != "abcdef" {
		t.Fatalf("unexpected pcm %q", pcm)
	}
}

func TestExecSynthReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	synth, err := NewExecSynth(`sh -c 'echo no voice >&2; exit 3'`, 16000, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	for c := range chunks {
		t.Fatalf("unexpected chunk %+v", c)
	}
	var failures int
	for range errs {
		failures++
	}
	if failures != 1 {
		t.Fatalf("expected one error, got %d", failures)
	}
}

func TestExecSynthMissingBinary(t *testing.T) {
	if _, err := NewExecSynth("loqa-no-such-tts-binary --stdout", 16000, 1); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
