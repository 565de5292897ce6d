// Prometheus text format metric primitives for the RIO host.
//
// Only the three shapes the host publishes are implemented: counters
// for exchange and error totals, gauges for link and joint state, and
// one histogram for servo tick timing. Everything renders through
// Registry.Gather into the exposition format scrapers expect.
//
// Copyright (C) 2026 RIO Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Labels identifies one series within a metric, e.g. {"joint": "0"}.
// A nil Labels is the unlabeled series.
type Labels map[string]string

// seriesKey is stable across map iteration order.
func seriesKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func renderLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		// %q quoting matches the exposition format escapes for the
		// backslash, quote and newline cases that can actually occur.
		fmt.Fprintf(&sb, "%s=%q", k, labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

func copyLabels(labels Labels) Labels {
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func renderHeader(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// Metric is one named metric with any number of labeled series.
type Metric interface {
	Name() string
	Write(sb *strings.Builder)
}

// Counter only ever goes up.
type Counter struct {
	name string
	help string

	mu     sync.Mutex
	series map[string]*counterSeries
}

type counterSeries struct {
	labels Labels
	value  uint64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, series: make(map[string]*counterSeries)}
}

func (c *Counter) Name() string { return c.name }

// Inc bumps the series for labels by one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add bumps the series for labels by delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	key := seriesKey(labels)
	c.mu.Lock()
	s, ok := c.series[key]
	if !ok {
		s = &counterSeries{labels: copyLabels(labels)}
		c.series[key] = s
	}
	s.value += delta
	c.mu.Unlock()
}

// Get reads the series for labels, zero if it was never touched.
func (c *Counter) Get(labels Labels) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[seriesKey(labels)]
	if !ok {
		return 0
	}
	return s.value
}

func (c *Counter) Write(sb *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	renderHeader(sb, c.name, c.help, "counter")
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := c.series[key]
		fmt.Fprintf(sb, "%s%s %d\n", c.name, renderLabels(s.labels), s.value)
	}
}

// Gauge holds the latest value per series.
type Gauge struct {
	name string
	help string

	mu     sync.Mutex
	series map[string]*gaugeSeries
}

type gaugeSeries struct {
	labels Labels
	value  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help, series: make(map[string]*gaugeSeries)}
}

func (g *Gauge) Name() string { return g.name }

// Set overwrites the series for labels.
func (g *Gauge) Set(labels Labels, value float64) {
	key := seriesKey(labels)
	g.mu.Lock()
	s, ok := g.series[key]
	if !ok {
		s = &gaugeSeries{labels: copyLabels(labels)}
		g.series[key] = s
	}
	s.value = value
	g.mu.Unlock()
}

// Get reads the series for labels, zero if it was never set.
func (g *Gauge) Get(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.series[seriesKey(labels)]
	if !ok {
		return 0
	}
	return s.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	renderHeader(sb, g.name, g.help, "gauge")
	keys := make([]string, 0, len(g.series))
	for k := range g.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := g.series[key]
		fmt.Fprintf(sb, "%s%s %g\n", g.name, renderLabels(s.labels), s.value)
	}
}

// Histogram counts observations into fixed cumulative buckets.
type Histogram struct {
	name   string
	help   string
	bounds []float64

	mu     sync.Mutex
	series map[string]*histogramSeries
}

type histogramSeries struct {
	labels  Labels
	count   uint64
	sum     float64
	buckets []uint64
}

// NewHistogram creates a histogram with the given bucket upper bounds.
// Bounds are sorted; an implicit +Inf bucket always closes the set.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		name:   name,
		help:   help,
		bounds: sorted,
		series: make(map[string]*histogramSeries),
	}
}

func (h *Histogram) Name() string { return h.name }

// Observe records one value into every bucket it fits.
func (h *Histogram) Observe(labels Labels, value float64) {
	key := seriesKey(labels)
	h.mu.Lock()
	s, ok := h.series[key]
	if !ok {
		s = &histogramSeries{
			labels:  copyLabels(labels),
			buckets: make([]uint64, len(h.bounds)),
		}
		h.series[key] = s
	}
	s.count++
	s.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			s.buckets[i]++
		}
	}
	h.mu.Unlock()
}

// HistogramSnapshot is a point in time copy of one series. Buckets
// hold cumulative counts keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// GetSnapshot copies the series for labels out from under the lock.
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	s, ok := h.series[seriesKey(labels)]
	if !ok {
		return snap
	}
	snap.Count = s.count
	snap.Sum = s.sum
	cumulative := uint64(0)
	for i, bound := range h.bounds {
		cumulative += s.buckets[i]
		snap.Buckets[bound] = cumulative
	}
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	renderHeader(sb, h.name, h.help, "histogram")
	keys := make([]string, 0, len(h.series))
	for k := range h.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := h.series[key]
		cumulative := uint64(0)
		for i, bound := range h.bounds {
			cumulative += s.buckets[i]
			bl := copyLabels(s.labels)
			bl["le"] = fmt.Sprintf("%g", bound)
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, renderLabels(bl), cumulative)
		}
		bl := copyLabels(s.labels)
		bl["le"] = "+Inf"
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, renderLabels(bl), s.count)
		fmt.Fprintf(sb, "%s_sum%s %g\n", h.name, renderLabels(s.labels), s.sum)
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, renderLabels(s.labels), s.count)
	}
}

// Registry renders a fixed set of metrics in registration order.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]Metric
	ordered []Metric
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Metric)}
}

// Register adds one metric; a second metric with the same name is an
// error.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.Name()]; dup {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.byName[m.Name()] = m
	r.ordered = append(r.ordered, m)
	return nil
}

// MustRegister panics on a duplicate name. Registration happens once
// at startup, so a duplicate is a programming error.
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Gather renders every registered metric in Prometheus text format.
func (r *Registry) Gather() string {
	r.mu.Lock()
	metrics := append([]Metric(nil), r.ordered...)
	r.mu.Unlock()

	var sb strings.Builder
	for _, m := range metrics {
		m.Write(&sb)
	}
	return sb.String()
}
