package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/buddytalk/internal/audio"
	"github.com/ent0n29/buddytalk/internal/observability"
	"github.com/ent0n29/buddytalk/internal/protocol"
	"github.com/ent0n29/buddytalk/internal/tts"
)

const (
	benchStageRequest = "bench_request"
	benchStageServer  = "bench_server_elapsed"
)

type benchOptions struct {
	baseURL      string
	characterID  string
	runs         int
	concurrency  int
	audioPath    string
	seconds      float64
	ttsText      string
	ttsReference string
	fishAudioKey string
	timeout      time.Duration
	eventGrace   time.Duration
	resetServer  bool
	verbose      bool
}

type benchClip struct {
	name     string
	data     []byte
	duration time.Duration
}

type benchReport struct {
	Runs        int                          `json:"runs"`
	Completed   int                          `json:"completed"`
	Failed      int                          `json:"failed"`
	Events      int                          `json:"events"`
	ClipSeconds float64                      `json:"clip_seconds,omitempty"`
	Client      observability.StageSnapshot  `json:"client"`
	Server      *observability.StageSnapshot `json:"server,omitempty"`
}

func newBenchCommand() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Replay lip-sync generations against a running server and report latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.normalize(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runBench(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8000", "server base URL")
	f.StringVar(&opts.characterID, "character", "", "character id to animate (required)")
	f.IntVar(&opts.runs, "runs", 3, "number of generations to request")
	f.IntVar(&opts.concurrency, "concurrency", 1, "generations in flight at once")
	f.StringVar(&opts.audioPath, "audio", "", "audio file to upload (default: generated silence)")
	f.Float64Var(&opts.seconds, "seconds", 2, "length of generated silence")
	f.StringVar(&opts.ttsText, "tts-text", "", "synthesize the clip through the Fish Audio proxy")
	f.StringVar(&opts.ttsReference, "tts-reference", "", "Fish Audio voice model for --tts-text")
	f.StringVar(&opts.fishAudioKey, "fish-audio-key", os.Getenv("FISH_AUDIO_API_KEY"), "Fish Audio key forwarded to the proxy")
	f.DurationVar(&opts.timeout, "timeout", 15*time.Minute, "overall deadline")
	f.DurationVar(&opts.eventGrace, "event-grace", 2*time.Second, "wait for trailing websocket events")
	f.BoolVar(&opts.resetServer, "reset-server-window", false, "clear the server latency window after reading it")
	f.BoolVar(&opts.verbose, "verbose", false, "print per-run progress to stderr")
	return cmd
}

func (o *benchOptions) normalize() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	o.characterID = strings.TrimSpace(o.characterID)
	switch {
	case o.baseURL == "":
		return errors.New("--base-url is required")
	case o.characterID == "":
		return errors.New("--character is required")
	case o.runs <= 0:
		return errors.New("--runs must be > 0")
	case o.audioPath != "" && o.ttsText != "":
		return errors.New("--audio and --tts-text are mutually exclusive")
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	if o.concurrency > o.runs {
		o.concurrency = o.runs
	}
	if o.seconds <= 0 {
		o.seconds = 2
	}
	if o.timeout <= 0 {
		o.timeout = 15 * time.Minute
	}
	return nil
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	client := &http.Client{}

	clip, err := prepareClip(ctx, client, opts)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}

	wsURL, err := eventsURL(opts.baseURL, opts.characterID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.Close()

	window := observability.NewStageWindow(opts.runs)
	tracker := newEventTracker()
	go tracker.readLoop(conn, window, opts.verbose)

	report := benchReport{Runs: opts.runs, ClipSeconds: clip.duration.Seconds()}
	var mu sync.Mutex
	sessions := make([]string, 0, opts.runs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.runs; i++ {
		run := i + 1
		g.Go(func() error {
			started := time.Now()
			sessionID, size, err := postGeneration(gctx, client, opts, clip)
			elapsed := time.Since(started)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				window.ObserveIndicator("request_failed")
				if opts.verbose {
					fmt.Fprintf(os.Stderr, "bench: run %d/%d failed after %s: %v\n", run, opts.runs, elapsed.Round(time.Millisecond), err)
				}
				return nil
			}
			report.Completed++
			sessions = append(sessions, sessionID)
			window.Observe(benchStageRequest, float64(elapsed.Microseconds())/1000)
			if opts.verbose {
				fmt.Fprintf(os.Stderr, "bench: run %d/%d session=%s bytes=%d elapsed=%s\n", run, opts.runs, sessionID, size, elapsed.Round(time.Millisecond))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	report.Events = tracker.await(sessions, opts.eventGrace)

	report.Client = window.Snapshot()
	if snap, err := fetchServerLatency(ctx, client, opts.baseURL, opts.resetServer); err == nil {
		report.Server = &snap
	} else if opts.verbose {
		fmt.Fprintf(os.Stderr, "bench: server latency unavailable: %v\n", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Completed == 0 {
		return fmt.Errorf("all %d generation(s) failed", report.Runs)
	}
	return nil
}

func prepareClip(ctx context.Context, client *http.Client, opts benchOptions) (benchClip, error) {
	var clip benchClip
	switch {
	case opts.audioPath != "":
		data, err := os.ReadFile(opts.audioPath)
		if err != nil {
			return benchClip{}, err
		}
		clip = benchClip{name: filepath.Base(opts.audioPath), data: data}
	case opts.ttsText != "":
		data, err := synthClip(ctx, client, opts)
		if err != nil {
			return benchClip{}, err
		}
		clip = benchClip{name: "bench_tts.wav", data: data}
	default:
		length := time.Duration(opts.seconds * float64(time.Second))
		data, err := audio.EncodeWAVPCM16LE(audio.Silence(length, 16000), 16000)
		if err != nil {
			return benchClip{}, err
		}
		clip = benchClip{name: "bench_silence.wav", data: data}
	}
	if len(clip.data) == 0 {
		return benchClip{}, errors.New("audio clip is empty")
	}
	// Non-WAV uploads are sent as-is; only their duration is unknown.
	if pcm, rate, err := audio.DecodeWAVPCM16(clip.data); err == nil {
		clip.duration = audio.PCM16Duration(pcm, rate)
	}
	return clip, nil
}

func synthClip(ctx context.Context, client *http.Client, opts benchOptions) ([]byte, error) {
	payload, err := json.Marshal(tts.Request{
		Text:        opts.ttsText,
		ReferenceID: opts.ttsReference,
		Format:      "wav",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/api/fish-audio/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.fishAudioKey != "" {
		req.Header.Set("X-Fish-Audio-Key", opts.fishAudioKey)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts HTTP %d: %s", res.StatusCode, errorDetail(body))
	}
	return body, nil
}

func postGeneration(ctx context.Context, client *http.Client, opts benchOptions, clip benchClip) (string, int64, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("character_id", opts.characterID); err != nil {
		return "", 0, err
	}
	part, err := mw.CreateFormFile("audio", clip.name)
	if err != nil {
		return "", 0, err
	}
	if _, err := part.Write(clip.data); err != nil {
		return "", 0, err
	}
	if err := mw.Close(); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/api/generate-lipsync", &body)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		return "", 0, fmt.Errorf("HTTP %d: %s", res.StatusCode, errorDetail(msg))
	}
	n, err := io.Copy(io.Discard, res.Body)
	if err != nil {
		return "", n, fmt.Errorf("read video: %w", err)
	}
	return res.Header.Get("X-Session-ID"), n, nil
}

func fetchServerLatency(ctx context.Context, client *http.Client, baseURL string, reset bool) (observability.StageSnapshot, error) {
	target := baseURL + "/api/perf/latency"
	if reset {
		target += "?reset=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&snap); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snap, nil
}

func eventsURL(baseURL, characterID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/events"
	q := u.Query()
	q.Set("character_id", characterID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorDetail pulls the message out of the server's JSON error envelope.
func errorDetail(body []byte) string {
	var env struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Detail != "" {
			return env.Detail
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// eventTracker records terminal generation events seen on the websocket.
type eventTracker struct {
	mu       sync.Mutex
	terminal map[string]protocol.GenerationEvent
	changed  chan struct{}
}

func newEventTracker() *eventTracker {
	return &eventTracker{
		terminal: make(map[string]protocol.GenerationEvent),
		changed:  make(chan struct{}, 1),
	}
}

func (t *eventTracker) readLoop(conn *websocket.Conn, window *observability.StageWindow, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev protocol.GenerationEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case protocol.TypeGenerationCompleted:
			window.Observe(benchStageServer, float64(ev.ElapsedMS))
		case protocol.TypeGenerationFailed:
			window.ObserveIndicator("generation_failed:" + ev.Code)
			if verbose {
				fmt.Fprintf(os.Stderr, "bench: generation_failed session=%s code=%s detail=%s\n", ev.SessionID, ev.Code, ev.Detail)
			}
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "bench: error_event code=%s detail=%s\n", ev.Code, ev.Detail)
			}
			continue
		default:
			continue
		}
		t.mu.Lock()
		t.terminal[ev.SessionID] = ev
		t.mu.Unlock()
		select {
		case t.changed <- struct{}{}:
		default:
		}
	}
}

// await blocks until every session has a terminal event or grace elapses,
// and returns how many did.
func (t *eventTracker) await(sessions []string, grace time.Duration) int {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		seen := t.count(sessions)
		if seen == len(sessions) {
			return seen
		}
		select {
		case <-t.changed:
		case <-timer.C:
			return t.count(sessions)
		}
	}
}

func (t *eventTracker) count(sessions []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range sessions {
		if _, ok := t.terminal[id]; ok {
			n++
		}
	}
	return n
}
