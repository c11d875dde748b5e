package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the generation and proxy paths.
const (
	StageSaveUpload      = "save_upload"
	StageModelInvoke     = "model_invoke"
	StageStreamOutput    = "stream_output"
	StageGenerationTotal = "generation_total"
	StageTTSProxy        = "tts_proxy"
	StageChatProxy       = "chat_proxy"
)

// Fixed goals for the local file stages; they do not depend on any
// upstream.
const (
	saveUploadTarget   = 200 * time.Millisecond
	streamOutputTarget = 500 * time.Millisecond
)

// StageTargets derives p95 goals from the hard timeouts of each upstream.
// A stage whose p95 sits above half its timeout is one slow run away from
// failing requests, so half the timeout is the goal.
func StageTargets(modelTimeout, ttsTimeout, chatTimeout time.Duration) map[string]time.Duration {
	targets := map[string]time.Duration{
		StageSaveUpload:   saveUploadTarget,
		StageStreamOutput: streamOutputTarget,
	}
	if modelTimeout > 0 {
		targets[StageModelInvoke] = modelTimeout / 2
		targets[StageGenerationTotal] = modelTimeout/2 + saveUploadTarget + streamOutputTarget
	}
	if ttsTimeout > 0 {
		targets[StageTTSProxy] = ttsTimeout / 2
	}
	if chatTimeout > 0 {
		targets[StageChatProxy] = chatTimeout / 2
	}
	return targets
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than the target.
	OverTarget int `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// StageWindow keeps the most recent durations of each stage, in
// milliseconds, plus free-form indicator counters.
type StageWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[string]*samples
	targets    map[string]float64
	indicators map[string]int
}

// samples is a fixed-size ring; seen counts every observation so the
// write position is seen % len(buf).
type samples struct {
	buf  []float64
	seen int
}

func (s *samples) add(ms float64) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, ms)
	} else {
		s.buf[s.seen%len(s.buf)] = ms
	}
	s.seen++
}

func (s *samples) last() float64 {
	return s.buf[(s.seen-1)%len(s.buf)]
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	w := &StageWindow{
		size:       size,
		samples:    make(map[string]*samples),
		indicators: make(map[string]int),
	}
	w.SetTargets(StageTargets(0, 0, 0))
	return w
}

// SetTargets replaces the per-stage p95 goals. Stages without a goal
// report none.
func (w *StageWindow) SetTargets(targets map[string]time.Duration) {
	ms := make(map[string]float64, len(targets))
	for stage, d := range targets {
		if d > 0 {
			ms[stage] = durationMS(d)
		}
	}
	w.mu.Lock()
	w.targets = ms
	w.mu.Unlock()
}

func (w *StageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.samples[stage]
	if !ok {
		s = &samples{buf: make([]float64, 0, w.size)}
		w.samples[stage] = s
	}
	s.add(ms)
}

func (w *StageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for stage, s := range w.samples {
		sorted := slices.Clone(s.buf)
		slices.Sort(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		stats := StageStats{
			Stage:   stage,
			Samples: len(sorted),
			LastMS:  round2(s.last()),
			AvgMS:   round2(sum / float64(len(sorted))),
			P50MS:   round2(nearestRank(sorted, 0.50)),
			P95MS:   round2(nearestRank(sorted, 0.95)),
			P99MS:   round2(nearestRank(sorted, 0.99)),
		}
		if target, ok := w.targets[stage]; ok {
			stats.TargetP95MS = round2(target)
			// sorted ascending: everything after the first value above target
			idx, _ := slices.BinarySearch(sorted, math.Nextafter(target, math.Inf(1)))
			stats.OverTarget = len(sorted) - idx
		}
		snap.Stages = append(snap.Stages, stats)
	}
	slices.SortFunc(snap.Stages, func(a, b StageStats) int { return strings.Compare(a.Stage, b.Stage) })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	slices.SortFunc(snap.Indicators, func(a, b Indicator) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// Reset drops samples and indicators; targets are kept.
func (w *StageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = make(map[string]*samples)
	w.indicators = make(map[string]int)
}

// nearestRank returns the smallest sample with at least q of the window
// at or below it.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
