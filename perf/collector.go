// Package perf buffers per-stage, per-query, and per-API timings,
// aggregates them into avg/p50/p95/p99 summaries, and persists daily
// baselines so improvement over time can be tracked.
//
// Buffers are per-process. Observations also feed the Prometheus
// mirrors in Metrics; neither path ever fails the caller.
package perf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/db"
)

// Name prefixes distinguishing query and API baselines from stage
// baselines inside the shared table.
const (
	DBPrefix  = "db__"
	APIPrefix = "api__"
)

// Aggregates summarizes one buffer in seconds, rounded to 3 decimals.
type Aggregates struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// FlushReport is the result of draining one stage buffer.
type FlushReport struct {
	Name         string     `json:"name"`
	Aggregates   Aggregates `json:"aggregates"`
	SampleCount  int        `json:"sample_count"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	SuccessRate  float64    `json:"success_rate"`
}

// Improvement compares current metrics against the stored baseline.
type Improvement struct {
	Name    string  `json:"name"`
	Avg     float64 `json:"avg"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Overall float64 `json:"overall"`
}

type outcomes struct {
	success int
	failure int
}

// Collector owns the in-memory buffers and the baseline persistence.
// Safe for concurrent use.
type Collector struct {
	store   db.BaselineStore
	metrics *Metrics
	logger  *logrus.Entry

	mu       sync.Mutex
	stageBuf map[string][]float64
	stageOut map[string]*outcomes
	queryBuf map[string][]float64
	apiBuf   map[string][]float64
}

// NewCollector returns a collector persisting baselines through store.
// metrics may be nil when no Prometheus registry is wired (tests).
func NewCollector(store db.BaselineStore, metrics *Metrics) *Collector {
	return &Collector{
		store:    store,
		metrics:  metrics,
		logger:   common.ComponentLogger("perf"),
		stageBuf: make(map[string][]float64),
		stageOut: make(map[string]*outcomes),
		queryBuf: make(map[string][]float64),
		apiBuf:   make(map[string][]float64),
	}
}

// RecordStage buffers one stage execution.
func (c *Collector) RecordStage(stage string, duration time.Duration, success bool) {
	seconds := duration.Seconds()
	c.mu.Lock()
	c.stageBuf[stage] = append(c.stageBuf[stage], seconds)
	out := c.stageOut[stage]
	if out == nil {
		out = &outcomes{}
		c.stageOut[stage] = out
	}
	if success {
		out.success++
	} else {
		out.failure++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.StageDuration.WithLabelValues(stage).Observe(seconds)
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		c.metrics.StageOutcomes.WithLabelValues(stage, outcome).Inc()
	}
}

// RecordQuery buffers one database query execution.
func (c *Collector) RecordQuery(query string, duration time.Duration) {
	seconds := duration.Seconds()
	c.mu.Lock()
	c.queryBuf[query] = append(c.queryBuf[query], seconds)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.QueryDuration.WithLabelValues(query).Observe(seconds)
	}
}

// RecordAPI buffers one external service call.
func (c *Collector) RecordAPI(endpoint string, duration time.Duration) {
	seconds := duration.Seconds()
	c.mu.Lock()
	c.apiBuf[endpoint] = append(c.apiBuf[endpoint], seconds)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.APIDuration.WithLabelValues(endpoint).Observe(seconds)
	}
}

// Aggregate computes avg/p50/p95/p99 in seconds over durations.
//
// Sample-size rules:
//   - n == 0: all zeros
//   - n < 5: p95 and p99 equal the maximum
//   - 5 <= n < 100: n-quantile cut points indexed at floor(0.95n), floor(0.99n)
//   - n >= 100: 100-quantile buckets, indices 94 and 98
func Aggregate(durations []float64) Aggregates {
	n := len(durations)
	if n == 0 {
		return Aggregates{}
	}

	sorted := make([]float64, n)
	copy(sorted, durations)
	sort.Float64s(sorted)

	sum := 0.0
	for _, d := range sorted {
		sum += d
	}
	avg := sum / float64(n)
	p50 := median(sorted)

	var p95, p99 float64
	switch {
	case n < 5:
		p95 = sorted[n-1]
		p99 = sorted[n-1]
	case n < 100:
		cuts := quantiles(sorted, n)
		p95 = pickCut(cuts, int(math.Floor(0.95*float64(n))))
		p99 = pickCut(cuts, int(math.Floor(0.99*float64(n))))
	default:
		cuts := quantiles(sorted, 100)
		p95 = pickCut(cuts, 94)
		p99 = pickCut(cuts, 98)
	}

	return Aggregates{
		Avg: round3(avg),
		P50: round3(p50),
		P95: round3(p95),
		P99: round3(p99),
	}
}

// FlushStage drains one stage buffer (or all when stage is empty) and
// returns its report(s). The buffer and outcome counts clear atomically.
func (c *Collector) FlushStage(stage string) []FlushReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.stageBuf))
	if stage != "" {
		names = append(names, stage)
	} else {
		for name := range c.stageBuf {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	reports := make([]FlushReport, 0, len(names))
	for _, name := range names {
		samples := c.stageBuf[name]
		out := c.stageOut[name]
		report := FlushReport{
			Name:        name,
			Aggregates:  Aggregate(samples),
			SampleCount: len(samples),
		}
		if out != nil {
			report.SuccessCount = out.success
			report.FailureCount = out.failure
			total := out.success + out.failure
			if total > 0 {
				report.SuccessRate = round3(float64(out.success) / float64(total))
			}
		}
		delete(c.stageBuf, name)
		delete(c.stageOut, name)
		reports = append(reports, report)
	}
	return reports
}

// FlushQueries drains the database query buffers.
func (c *Collector) FlushQueries() []FlushReport {
	return c.flushPlain(&c.queryBuf)
}

// FlushAPIs drains the external API buffers.
func (c *Collector) FlushAPIs() []FlushReport {
	return c.flushPlain(&c.apiBuf)
}

func (c *Collector) flushPlain(buf *map[string][]float64) []FlushReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(*buf))
	for name := range *buf {
		names = append(names, name)
	}
	sort.Strings(names)

	reports := make([]FlushReport, 0, len(names))
	for _, name := range names {
		samples := (*buf)[name]
		reports = append(reports, FlushReport{
			Name:        name,
			Aggregates:  Aggregate(samples),
			SampleCount: len(samples),
		})
		delete(*buf, name)
	}
	return reports
}

// StoreBaseline upserts a baseline row keyed by (name, today).
func (c *Collector) StoreBaseline(ctx context.Context, name string, agg Aggregates, testDocumentIDs []string, notes string) error {
	baseline := &db.PerformanceBaseline{
		StageName:          name,
		MeasurementDate:    today(),
		BaselineAvgSeconds: agg.Avg,
		BaselineP50Seconds: agg.P50,
		BaselineP95Seconds: agg.P95,
		BaselineP99Seconds: agg.P99,
		TestDocumentIDs:    db.StringList(testDocumentIDs),
		Notes:              notes,
	}
	if err := c.store.SaveBaseline(ctx, baseline); err != nil {
		return fmt.Errorf("failed to store baseline for %s: %w", name, err)
	}
	return nil
}

// UpdateCurrentMetrics writes current aggregates onto the most recent
// baseline for name and recomputes the improvement percentage.
func (c *Collector) UpdateCurrentMetrics(ctx context.Context, name string, agg Aggregates) error {
	baseline, err := c.store.LatestBaseline(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load baseline for %s: %w", name, err)
	}
	if baseline == nil {
		return fmt.Errorf("no baseline recorded for %s", name)
	}

	improvement := 0.0
	if baseline.BaselineAvgSeconds > 0 {
		improvement = round3((baseline.BaselineAvgSeconds - agg.Avg) / baseline.BaselineAvgSeconds * 100)
	}
	if err := c.store.UpdateBaselineCurrent(ctx, name, agg.Avg, agg.P50, agg.P95, agg.P99, improvement); err != nil {
		return fmt.Errorf("failed to update current metrics for %s: %w", name, err)
	}
	return nil
}

// CalculateImprovement returns per-metric and overall improvement for
// the most recent baseline of name, as percentages.
func (c *Collector) CalculateImprovement(ctx context.Context, name string) (*Improvement, error) {
	baseline, err := c.store.LatestBaseline(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline for %s: %w", name, err)
	}
	if baseline == nil {
		return nil, fmt.Errorf("no baseline recorded for %s", name)
	}

	imp := &Improvement{
		Name: name,
		Avg:  pctImprovement(baseline.BaselineAvgSeconds, baseline.CurrentAvgSeconds),
		P50:  pctImprovement(baseline.BaselineP50Seconds, baseline.CurrentP50Seconds),
		P95:  pctImprovement(baseline.BaselineP95Seconds, baseline.CurrentP95Seconds),
		P99:  pctImprovement(baseline.BaselineP99Seconds, baseline.CurrentP99Seconds),
	}
	imp.Overall = round3((imp.Avg + imp.P50 + imp.P95 + imp.P99) / 4)
	return imp, nil
}

func pctImprovement(baseline, current float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return round3((baseline - current) / baseline * 100)
}

// median over a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// quantiles returns the n-1 exclusive-method cut points over sorted
// data, matching the reference implementation's quantile math.
func quantiles(sorted []float64, n int) []float64 {
	ln := len(sorted)
	if ln < 2 || n < 2 {
		return append([]float64(nil), sorted...)
	}
	m := ln + 1
	cuts := make([]float64, 0, n-1)
	for j := 1; j < n; j++ {
		idx := j * m / n
		delta := j*m - idx*n
		if idx < 1 {
			idx = 1
			delta = 0
		}
		if idx > ln-1 {
			idx = ln - 1
			delta = 0
		}
		lo := sorted[idx-1]
		hi := sorted[idx]
		cuts = append(cuts, (lo*float64(n-delta)+hi*float64(delta))/float64(n))
	}
	return cuts
}

// pickCut indexes a cut-point slice with clamping so undersized buffers
// never panic.
func pickCut(cuts []float64, idx int) float64 {
	if len(cuts) == 0 {
		return 0
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(cuts) {
		idx = len(cuts) - 1
	}
	return cuts[idx]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
