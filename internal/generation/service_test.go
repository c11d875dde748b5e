package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/buddytalk/internal/character"
	"github.com/ent0n29/buddytalk/internal/events"
	"github.com/ent0n29/buddytalk/internal/history"
	"github.com/ent0n29/buddytalk/internal/lipsync"
	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/protocol"
	"github.com/ent0n29/buddytalk/internal/session"
)

var (
	wavHeader  = []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
	metricsSeq atomic.Int64
)

// fakeModel stands in for the lip-sync process.
type fakeModel struct {
	mu        sync.Mutex
	audioPath string
	audioSeen []byte
	output    []byte
	err       error
}

func (m *fakeModel) Generate(_ context.Context, _, audioPath, outputPath string) (lipsync.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioPath = audioPath
	m.audioSeen, _ = os.ReadFile(audioPath)
	if m.output != nil {
		if err := os.WriteFile(outputPath, m.output, 0o644); err != nil {
			return lipsync.Plan{}, err
		}
	}
	plan := lipsync.Plan{Checkpoint: lipsync.Checkpoint{Label: "wav2lip_gan (local, standard quality)"}}
	return plan, m.err
}

type harness struct {
	svc       *Service
	model     *fakeModel
	uploadDir string
	outputDir string
	store     *history.InMemoryStore
	hub       *events.Hub
	sessions  *session.Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	root := t.TempDir()
	charDir := filepath.Join(root, "characters")
	require.NoError(t, os.MkdirAll(charDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(charDir, "elsa.png"), []byte("png"), 0o644))
	reg, err := character.Parse(charDir, []byte(`{
		"elsa": {"name": "Elsa", "media_file": "elsa.png"},
		"olaf": {"name": "Olaf", "media_file": "olaf.png"}
	}`))
	require.NoError(t, err)

	h := &harness{
		model:     &fakeModel{output: []byte("mp4-video-bytes")},
		uploadDir: filepath.Join(root, "uploads"),
		outputDir: filepath.Join(root, "outputs"),
		store:     history.NewInMemoryStore(10),
		hub:       events.NewHub(),
		sessions:  session.NewManager(time.Minute),
	}
	opts.UploadDir = h.uploadDir
	opts.OutputDir = h.outputDir
	h.svc, err = NewService(opts, Deps{
		Characters: reg,
		Model:      h.model,
		Sessions:   h.sessions,
		History:    h.store,
		Events:     h.hub,
		Metrics:    observability.NewMetrics(fmt.Sprintf("test_generation_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1))),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) requireNoTempFiles(t *testing.T) {
	t.Helper()
	for _, dir := range []string{h.uploadDir, h.outputDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "leftover files in %s", dir)
	}
}

func TestGenerateAndDeliver(t *testing.T) {
	h := newHarness(t, Options{})
	sub := h.hub.Subscribe(8)
	defer sub.Close()

	audio := append(append([]byte{}, wavHeader...), bytes.Repeat([]byte{1}, 100)...)
	res, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(audio), "blob")
	require.NoError(t, err)

	assert.Equal(t, "elsa", res.CharacterID)
	assert.Equal(t, "lipsync_elsa.mp4", res.DownloadName())
	assert.EqualValues(t, len("mp4-video-bytes"), res.Size)
	assert.Equal(t, "wav2lip_gan (local, standard quality)", res.Checkpoint)
	assert.Equal(t, filepath.Join(h.outputDir, res.SessionID+"_output.mp4"), res.OutputPath)

	// the model saw the full upload under a session-scoped name
	assert.Equal(t, filepath.Join(h.uploadDir, res.SessionID+"_audio.wav"), h.model.audioPath)
	assert.Equal(t, audio, h.model.audioSeen)
	assert.NoFileExists(t, h.model.audioPath)
	assert.FileExists(t, res.OutputPath)

	sess, err := h.sessions.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusReady, sess.Status)

	var buf bytes.Buffer
	n, err := h.svc.Deliver(&buf, res)
	require.NoError(t, err)
	assert.EqualValues(t, res.Size, n)
	assert.Equal(t, "mp4-video-bytes", buf.String())
	h.requireNoTempFiles(t)

	sess, err = h.sessions.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDelivered, sess.Status)

	recs, err := h.store.Recent(context.Background(), "elsa", 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, history.StatusCompleted, recs[0].Status)
	assert.EqualValues(t, len(audio), recs[0].AudioBytes)

	var types []protocol.MessageType
	for len(sub.Events()) > 0 {
		types = append(types, (<-sub.Events()).Type)
	}
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeGenerationStarted,
		protocol.TypeGenerationCompleted,
		protocol.TypeOutputCleaned,
	}, types)
}

func TestGenerateUsesSniffedExtension(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.svc.Generate(context.Background(), "elsa", strings.NewReader("ID3\x04\x00mp3data"), "speech.wav")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(h.model.audioPath, res.SessionID+"_audio.mp3"), h.model.audioPath)
}

func TestGenerateUnknownCharacter(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Generate(context.Background(), "anna", bytes.NewReader(wavHeader), "a.wav")
	require.ErrorIs(t, err, character.ErrNotFound)
	assert.Equal(t, KindNotFound, ErrorKind(err))
	assert.Empty(t, h.model.audioPath, "model must not run")
	h.requireNoTempFiles(t)
}

func TestGenerateMissingReferenceMedia(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Generate(context.Background(), "olaf", bytes.NewReader(wavHeader), "a.wav")
	require.ErrorIs(t, err, character.ErrAssetMissing)
	assert.Equal(t, KindNotFound, ErrorKind(err))
	h.requireNoTempFiles(t)
}

func TestGenerateFailureRemovesAllFiles(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"invocation", &lipsync.InvocationError{ExitCode: 1, Output: "face not detected"}, KindInvocation},
		{"timeout", fmt.Errorf("%w after 300s", lipsync.ErrTimeout), KindTimeout},
		{"model missing", fmt.Errorf("%w: no model checkpoint", lipsync.ErrNotFound), KindModelMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			// a partial output must be removed as well
			h.model.output = []byte("partial")
			h.model.err = tc.err

			sub := h.hub.Subscribe(8)
			defer sub.Close()

			_, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(wavHeader), "a.wav")
			require.Error(t, err)
			assert.Equal(t, tc.kind, ErrorKind(err))
			h.requireNoTempFiles(t)

			recs, err := h.store.Recent(context.Background(), "", 5)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, history.StatusFailed, recs[0].Status)
			assert.Equal(t, tc.kind, recs[0].ErrorKind)
			assert.Equal(t, 0, h.sessions.ActiveCount())

			var last protocol.GenerationEvent
			for len(sub.Events()) > 0 {
				last = <-sub.Events()
			}
			assert.Equal(t, protocol.TypeGenerationFailed, last.Type)
			assert.Equal(t, tc.kind, last.Code)
		})
	}
}

func TestGenerateRejectsEmptyAudio(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.Generate(context.Background(), "elsa", strings.NewReader(""), "a.wav")
	require.ErrorIs(t, err, ErrEmptyAudio)
	assert.Equal(t, KindBadRequest, ErrorKind(err))
	h.requireNoTempFiles(t)
}

func TestGenerateRejectsOversizedAudio(t *testing.T) {
	h := newHarness(t, Options{MaxUploadBytes: 32})
	_, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(make([]byte, 33)), "a.wav")
	require.ErrorIs(t, err, ErrUploadTooLarge)
	h.requireNoTempFiles(t)

	_, err = h.svc.Generate(context.Background(), "elsa", bytes.NewReader(make([]byte, 32)), "a.wav")
	require.NoError(t, err)
}

type failingWriter struct{ written int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written > 0 {
		return 0, errors.New("connection reset by peer")
	}
	w.written += len(p) / 2
	return len(p) / 2, errors.New("short write")
}

func TestDeliverKeepsFileOnStreamFailure(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(wavHeader), "a.wav")
	require.NoError(t, err)

	_, err = h.svc.Deliver(&failingWriter{}, res)
	require.Error(t, err)
	assert.FileExists(t, res.OutputPath)

	removed, err := h.svc.Cleanup(res.SessionID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, res.OutputPath)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.svc.Cleanup("../../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidToken)

	removed, err := h.svc.Cleanup(uuid.NewString())
	require.NoError(t, err)
	assert.False(t, removed)

	res, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(wavHeader), "a.wav")
	require.NoError(t, err)
	removed, err = h.svc.Cleanup(strings.ToUpper(res.SessionID))
	require.NoError(t, err)
	assert.True(t, removed)
	h.requireNoTempFiles(t)

	removed, err = h.svc.Cleanup(res.SessionID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestJanitorExpiresUndeliveredOutput(t *testing.T) {
	h := newHarness(t, Options{})
	h.sessions = session.NewManager(20 * time.Millisecond)
	var err error
	h.svc, err = NewService(Options{UploadDir: h.uploadDir, OutputDir: h.outputDir}, Deps{
		Characters: h.svc.characters,
		Model:      h.model,
		Sessions:   h.sessions,
	})
	require.NoError(t, err)

	res, err := h.svc.Generate(context.Background(), "elsa", bytes.NewReader(wavHeader), "a.wav")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sessions.StartJanitor(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(res.OutputPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, Options{})
	old := time.Now().Add(-time.Hour)

	staleUpload := filepath.Join(h.uploadDir, uuid.NewString()+"_audio.webm")
	staleOutput := filepath.Join(h.outputDir, uuid.NewString()+"_output.mp4")
	freshOutput := filepath.Join(h.outputDir, uuid.NewString()+"_output.mp4")
	unrelated := filepath.Join(h.outputDir, "keep-me.mp4")
	for _, p := range []string{staleUpload, staleOutput, freshOutput, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("1234"), 0o644))
	}
	for _, p := range []string{staleUpload, staleOutput, unrelated} {
		require.NoError(t, os.Chtimes(p, old, old))
	}

	report, err := h.svc.Sweep(10*time.Minute, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{staleUpload, staleOutput}, report.Removed)
	assert.FileExists(t, staleUpload)

	report, err = h.svc.Sweep(10*time.Minute, false)
	require.NoError(t, err)
	assert.EqualValues(t, 8, report.Bytes)
	assert.NoFileExists(t, staleUpload)
	assert.NoFileExists(t, staleOutput)
	assert.FileExists(t, freshOutput)
	assert.FileExists(t, unrelated)
}
