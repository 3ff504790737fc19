package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type kind uint8

const (
	counter kind = iota
	gauge
	histogram
)

type series struct {
	kind  kind
	value float64 // counter and gauge
	count uint64  // histogram
	sum   float64
	min   float64
	max   float64
}

// Registry is an in-process Collector that renders a plain text exposition.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

func (r *Registry) get(name string, labels map[string]string, k kind) *series {
	key := seriesKey(name, labels)
	s, ok := r.series[key]
	if !ok {
		s = &series{kind: k, min: math.Inf(1), max: math.Inf(-1)}
		r.series[key] = s
	}
	return s
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(name, labels, counter).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(name, labels, gauge).value = value
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(name, labels, histogram)
	s.count++
	s.sum += value
	s.min = math.Min(s.min, value)
	s.max = math.Max(s.max, value)
}

// Value returns the counter or gauge value of one series.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[seriesKey(name, labels)]; ok {
		return s.value
	}
	return 0
}

// WriteText writes every series, sorted by key.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	keys := make([]string, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		s := r.series[k]
		switch s.kind {
		case histogram:
			name, lbl := splitKey(k)
			lines = append(lines,
				fmt.Sprintf("%s_count%s %d", name, lbl, s.count),
				fmt.Sprintf("%s_sum%s %g", name, lbl, s.sum),
				fmt.Sprintf("%s_min%s %g", name, lbl, s.min),
				fmt.Sprintf("%s_max%s %g", name, lbl, s.max),
			)
		default:
			lines = append(lines, fmt.Sprintf("%s %g", k, s.value))
		}
	}
	r.mu.Unlock()

	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func splitKey(key string) (name, labels string) {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return key[:i], key[i:]
	}
	return key, ""
}
