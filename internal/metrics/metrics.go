package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// Tracker holds and manages enrichment metrics. When collectors are attached, every
// update is mirrored to Prometheus.
type Tracker struct {
	mu                sync.Mutex
	data              storage.Metrics
	totalExtractionMs int64
	extractionCount   int
	collectors        *Collectors
}

// NewTracker creates a new metrics tracker. collectors may be nil.
func NewTracker(collectors *Collectors) *Tracker {
	return &Tracker{
		data: storage.Metrics{
			StartTime:         time.Now(),
			Outcomes:          make(map[string]int),
			StrategyAttempts:  make(map[string]int),
			StrategySuccesses: make(map[string]int),
		},
		collectors: collectors,
	}
}

// RecordDomain counts a domain that reached a terminal state and its extraction time
func (t *Tracker) RecordDomain(outcome string, extraction time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.DomainsProcessed++
	t.data.Outcomes[outcome]++
	if extraction > 0 {
		t.totalExtractionMs += extraction.Milliseconds()
		t.extractionCount++
	}
	if t.collectors != nil {
		t.collectors.DomainsProcessed.WithLabelValues(outcome).Inc()
	}
}

// IncrementSkipped counts a domain the gate skipped before extraction
func (t *Tracker) IncrementSkipped(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.DomainsSkipped++
	if t.collectors != nil {
		t.collectors.DomainsProcessed.WithLabelValues("skipped_" + reason).Inc()
	}
}

// ObserveStrategy records one strategy attempt
func (t *Tracker) ObserveStrategy(entry strategy.LogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.StrategyAttempts[entry.Strategy]++
	if entry.Outcome == strategy.OutcomeFound || entry.Outcome == strategy.OutcomePartial {
		t.data.StrategySuccesses[entry.Strategy]++
	}
	if t.collectors != nil {
		t.collectors.StrategyAttempts.WithLabelValues(entry.Strategy, string(entry.Outcome)).Inc()
		if entry.Outcome != strategy.OutcomeSkipped {
			t.collectors.StrategyDuration.WithLabelValues(entry.Strategy).Observe(entry.Duration.Seconds())
		}
	}
}

// RenderInflight adjusts the number of browser renders in progress
func (t *Tracker) RenderInflight(delta int) {
	if t.collectors != nil {
		t.collectors.RenderInflight.Add(float64(delta))
	}
}

// SetExecutionsActive publishes the number of running executions
func (t *Tracker) SetExecutionsActive(n int) {
	if t.collectors != nil {
		t.collectors.ExecutionsActive.Set(float64(n))
	}
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.Outcomes = copyCounts(t.data.Outcomes)
	snapshot.StrategyAttempts = copyCounts(t.data.StrategyAttempts)
	snapshot.StrategySuccesses = copyCounts(t.data.StrategySuccesses)
	snapshot.TotalExtractionMs = t.totalExtractionMs

	// Calculate average extraction time
	if t.extractionCount > 0 {
		snapshot.AvgExtractionMs = t.totalExtractionMs / int64(t.extractionCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(t.GetSnapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for the periodic progress line
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Domains: %d processed, %d skipped | supplier=%d reseller=%d moderation=%d | Strategy attempts: %d",
		t.data.DomainsProcessed,
		t.data.DomainsSkipped,
		t.data.Outcomes[string(storage.StatusSupplier)],
		t.data.Outcomes[string(storage.StatusReseller)],
		t.data.Outcomes[string(storage.StatusRequiresModeration)],
		sumCounts(t.data.StrategyAttempts),
	)
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sumCounts(in map[string]int) int {
	total := 0
	for _, v := range in {
		total += v
	}
	return total
}
