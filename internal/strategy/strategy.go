// Package strategy implements the extraction ladder: an ordered list of strategies,
// from a plain HTTP probe to a rendered browser, each trying to find an INN and an email
// on a domain's website.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/extract"
)

// Outcome of a single strategy attempt
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomePartial  Outcome = "partial"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeSkipped  Outcome = "skipped"
)

// ErrNotFound is the ladder error when every strategy ran cleanly but found nothing usable
var ErrNotFound = errors.New("not found")

// Strategy is one rung of the ladder
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, domain string) Finding
}

// Finding is what one strategy produced
type Finding struct {
	INNs        []string
	Emails      []string
	INNSource   string
	EmailSource string
	URLs        []string
	Err         error
	Skipped     bool
	Note        string
}

// Complete reports whether both an INN and an email were found
func (f *Finding) Complete() bool {
	return len(f.INNs) > 0 && len(f.Emails) > 0
}

// absorb merges one page's findings, remembering where each value was first seen
func (f *Finding) absorb(pageURL string, found extract.Findings) {
	if len(found.INNs) > 0 && f.INNSource == "" {
		f.INNSource = pageURL
	}
	if len(found.Emails) > 0 && f.EmailSource == "" {
		f.EmailSource = pageURL
	}
	f.INNs = extract.Merge(f.INNs, found.INNs)
	f.Emails = extract.Merge(f.Emails, found.Emails)
}

// LogEntry records one strategy attempt
type LogEntry struct {
	Strategy string
	Outcome  Outcome
	Duration time.Duration
	Err      string
	Note     string
}

// ExtractionResult is the ladder's answer for one domain
type ExtractionResult struct {
	Domain         string
	INNs           []string
	Emails         []string
	INNSourceURL   string
	EmailSourceURL string
	AttemptedURLs  []string
	Log            []LogEntry
	Strategy       string // strategy that completed the result, empty if none did
	Err            error
}

// INN returns the primary (first found) INN
func (r *ExtractionResult) INN() string {
	if len(r.INNs) == 0 {
		return ""
	}
	return r.INNs[0]
}

// Complete reports whether the result has both an INN and an email
func (r *ExtractionResult) Complete() bool {
	return len(r.INNs) > 0 && len(r.Emails) > 0
}

// TimedOut reports whether the result failed because a deadline expired
func (r *ExtractionResult) TimedOut() bool {
	return errors.Is(r.Err, context.DeadlineExceeded)
}

// Observer receives every log entry as it is produced
type Observer interface {
	ObserveStrategy(entry LogEntry)
}

// Ladder runs strategies in order until one completes the result
type Ladder struct {
	strategies      []Strategy
	strategyTimeout time.Duration
	domainTimeout   time.Duration
	observer        Observer
}

// NewLadder creates a ladder. Strategies run in the order given.
func NewLadder(strategyTimeout, domainTimeout time.Duration, strategies ...Strategy) *Ladder {
	return &Ladder{
		strategies:      strategies,
		strategyTimeout: strategyTimeout,
		domainTimeout:   domainTimeout,
	}
}

// WithObserver attaches an observer (metrics) to the ladder
func (l *Ladder) WithObserver(o Observer) *Ladder {
	l.observer = o
	return l
}

// Names lists the strategies in ladder order
func (l *Ladder) Names() []string {
	names := make([]string, len(l.strategies))
	for i, s := range l.strategies {
		names[i] = s.Name()
	}
	return names
}

// Extract runs the ladder for one domain under the per-domain timeout. It never returns
// a nil-equivalent result: attempted URLs and the per-strategy log are always filled in,
// and Err explains why the result is incomplete.
func (l *Ladder) Extract(ctx context.Context, domain string) ExtractionResult {
	ctx, cancel := context.WithTimeout(ctx, l.domainTimeout)
	defer cancel()

	result := ExtractionResult{Domain: domain}
	var lastErr error

	for _, s := range l.strategies {
		if err := ctx.Err(); err != nil {
			l.record(&result, LogEntry{Strategy: s.Name(), Outcome: outcomeForErr(err), Err: err.Error(), Note: "domain deadline reached"})
			lastErr = fmt.Errorf("%s: %w", s.Name(), err)
			continue
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, l.strategyTimeout)
		start := time.Now()
		finding := s.Attempt(attemptCtx, domain)
		elapsed := time.Since(start)
		if finding.Err == nil && attemptCtx.Err() != nil && !finding.Complete() {
			finding.Err = attemptCtx.Err()
		}
		attemptCancel()

		result.AttemptedURLs = append(result.AttemptedURLs, finding.URLs...)
		if len(finding.INNs) > 0 && result.INNSourceURL == "" {
			result.INNSourceURL = finding.INNSource
		}
		if len(finding.Emails) > 0 && result.EmailSourceURL == "" {
			result.EmailSourceURL = finding.EmailSource
		}
		result.INNs = extract.Merge(result.INNs, finding.INNs)
		result.Emails = extract.Merge(result.Emails, finding.Emails)

		entry := LogEntry{Strategy: s.Name(), Duration: elapsed, Note: finding.Note}
		switch {
		case finding.Skipped:
			entry.Outcome = OutcomeSkipped
		case finding.Complete():
			entry.Outcome = OutcomeFound
		case finding.Err != nil:
			entry.Outcome = outcomeForErr(finding.Err)
			entry.Err = finding.Err.Error()
			lastErr = fmt.Errorf("%s: %w", s.Name(), finding.Err)
		case len(finding.INNs) > 0 || len(finding.Emails) > 0:
			entry.Outcome = OutcomePartial
		default:
			entry.Outcome = OutcomeNotFound
		}
		l.record(&result, entry)

		logrus.WithFields(logrus.Fields{
			"domain":   domain,
			"strategy": s.Name(),
			"outcome":  entry.Outcome,
		}).Debugf("Strategy finished in %s (%d urls)", elapsed.Round(time.Millisecond), len(finding.URLs))

		if result.Complete() {
			result.Strategy = s.Name()
			return result
		}
	}

	if lastErr != nil {
		result.Err = lastErr
	} else {
		result.Err = ErrNotFound
	}
	return result
}

func (l *Ladder) record(result *ExtractionResult, entry LogEntry) {
	result.Log = append(result.Log, entry)
	if l.observer != nil {
		l.observer.ObserveStrategy(entry)
	}
}

func outcomeForErr(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeError
}
