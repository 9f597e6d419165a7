package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// TurnStageStats summarises the recent latencies of one pipeline stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageTargets are the p95 budgets for each turn stage in milliseconds.
var stageTargets = map[string]float64{
	"greeting_check":      900,
	"input_policy_check":  900,
	"output_policy_check": 900,
	"retrieve":            400,
	"generate":            4000,
	"turn_total":          6500,
}

// turnStageWindow keeps the last size samples per stage for /v1/perf/latency.
type turnStageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	buf  []float64
	head int
	n    int
	last float64
}

func (r *sampleRing) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	return &turnStageWindow{
		size:       size,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[stage]
		if r.n == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		if c := w.indicators[name]; c > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: c})
		}
	}
	return snap
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.indicators)
}

func summarize(stage string, r *sampleRing) TurnStageStats {
	samples := r.sorted()
	target := stageTargets[stage]

	var sum float64
	over := 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(nearestRank(samples, 50)),
		P95MS:       round2(nearestRank(samples, 95)),
		MaxMS:       round2(samples[len(samples)-1]),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// nearestRank returns the p-th percentile of an ascending slice.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
