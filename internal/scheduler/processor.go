package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/gate"
	"github.com/alvmarrod/domain-enricher/internal/metrics"
	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/storage"
	"github.com/alvmarrod/domain-enricher/internal/strategy"
)

// Extractor runs the strategy ladder for one domain
type Extractor interface {
	Extract(ctx context.Context, domain string) strategy.ExtractionResult
}

// Outcome is what processing one domain produced
type Outcome struct {
	Domain  string
	Status  storage.DomainStatus
	Reason  string
	Skipped bool
}

// Processor takes one pending domain through claim, gate, ladder, decision and finish
type Processor struct {
	machine *runstate.Machine
	gate    *gate.Gate
	ladder  Extractor
	tracker *metrics.Tracker
}

// NewProcessor wires the per-domain pipeline. tracker may be nil.
func NewProcessor(machine *runstate.Machine, g *gate.Gate, ladder Extractor, tracker *metrics.Tracker) *Processor {
	return &Processor{machine: machine, gate: g, ladder: ladder, tracker: tracker}
}

// Process handles one domain of a run. A lost claim race returns storage.ErrAlreadyClaimed.
// Extraction failures are not errors: they end in requires_moderation. Errors mean the
// domain is left in processing for the stale sweep.
func (p *Processor) Process(ctx context.Context, runID, domain string, force bool) (Outcome, error) {
	if err := p.machine.Claim(ctx, runID, domain); err != nil {
		return Outcome{}, err
	}

	verdict, err := p.gate.ShouldSkip(ctx, domain, force)
	if err != nil {
		return Outcome{}, err
	}
	if verdict.Skip {
		return p.finishSkipped(ctx, runID, domain, verdict)
	}

	start := time.Now()
	result := p.ladder.Extract(ctx, domain)
	elapsed := time.Since(start)

	decision, err := p.gate.Decide(ctx, domain, result)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to classify %s: %w", domain, err)
	}

	completion := storage.Completion{
		RunID:              runID,
		Domain:             domain,
		Status:             decision.Status,
		Reason:             decision.Reason,
		AttemptedURLs:      result.AttemptedURLs,
		INN:                result.INN(),
		Emails:             result.Emails,
		INNSourceURL:       result.INNSourceURL,
		EmailSourceURL:     result.EmailSourceURL,
		SupplierID:         decision.SupplierID,
		Conflict:           decision.Conflict,
		ConflictSupplierID: decision.ConflictSupplierID,
		StrategyLog:        toStrategyLog(result.Log),
	}
	if err := p.machine.Finish(ctx, completion); err != nil {
		return Outcome{}, fmt.Errorf("failed to finish %s: %w", domain, err)
	}

	logrus.WithFields(logrus.Fields{
		"run":    runID,
		"domain": domain,
		"status": completion.Status,
		"reason": completion.Reason,
		"inn":    completion.INN,
	}).Infof("Domain finished in %s", elapsed.Round(time.Millisecond))

	if p.tracker != nil {
		p.tracker.RecordDomain(string(completion.Status), elapsed)
	}
	return Outcome{Domain: domain, Status: completion.Status, Reason: completion.Reason}, nil
}

func (p *Processor) finishSkipped(ctx context.Context, runID, domain string, verdict gate.Verdict) (Outcome, error) {
	completion := storage.Completion{RunID: runID, Domain: domain}

	switch verdict.Reason {
	case gate.SkipSupplier:
		completion.Status = storage.StatusSupplier
		completion.Reason = gate.ReasonAlreadySupplier
	default:
		completion.Status = storage.StatusRequiresModeration
		completion.Reason = gate.BlacklistedReason(verdict.Detail)
		completion.AttemptedURLs = []string{gate.BlacklistMarker(domain)}
	}

	if err := p.machine.Finish(ctx, completion); err != nil {
		return Outcome{}, err
	}

	logrus.WithFields(logrus.Fields{
		"run":    runID,
		"domain": domain,
		"reason": completion.Reason,
	}).Info("Domain skipped by gate")

	if p.tracker != nil {
		p.tracker.IncrementSkipped(string(verdict.Reason))
	}
	return Outcome{Domain: domain, Status: completion.Status, Reason: completion.Reason, Skipped: true}, nil
}

func toStrategyLog(entries []strategy.LogEntry) storage.StrategyLog {
	log := make(storage.StrategyLog, 0, len(entries))
	for _, e := range entries {
		log = append(log, storage.StrategyLogEntry{
			Strategy:   e.Strategy,
			Outcome:    string(e.Outcome),
			DurationMs: e.Duration.Milliseconds(),
			Error:      e.Err,
			Note:       e.Note,
		})
	}
	return log
}
