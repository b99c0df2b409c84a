// Package learning records human corrections of extracted values and reports how much
// they improved the pipeline. It is purely read-side over the learning log: nothing here
// replays or alters the extraction ladder.
package learning

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/extract"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

// Correction value types
const (
	TypeINN   = "inn"
	TypeEmail = "email"
)

// ErrInvalidCorrection is returned when a correction fails validation
var ErrInvalidCorrection = errors.New("invalid correction")

var digitRun = regexp.MustCompile(`\d+`)

// Correction is a value confirmed by a human for one run domain
type Correction struct {
	RunID     string `json:"runId"`
	Domain    string `json:"domain"`
	Type      string `json:"type"`
	Value     string `json:"value"`
	SourceURL string `json:"sourceUrl"`
}

// Store is the persistence used by the learning service
type Store interface {
	ApplyCorrection(ctx context.Context, runID, domain string, apply storage.CorrectionFunc) (*storage.LearningRecord, error)
	ListLearningRecords(ctx context.Context) ([]storage.LearningRecord, error)
	StatusCounts(ctx context.Context, runID string) (map[storage.DomainStatus]int, error)
	CountCorrectedModeration(ctx context.Context) (int, error)
}

// Service applies corrections and computes learning statistics
type Service struct {
	store Store
}

// NewService creates a learning service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// RecordCorrection validates a correction, fills in what the run domain is missing and
// appends exactly one learning record. An existing different INN is never overwritten.
func (s *Service) RecordCorrection(ctx context.Context, c Correction) (*storage.LearningRecord, error) {
	normalized, source, err := validate(c)
	if err != nil {
		return nil, err
	}

	record, err := s.store.ApplyCorrection(ctx, normalized.RunID, normalized.Domain, func(rd *storage.RunDomain) (*storage.LearningRecord, bool, error) {
		rec := &storage.LearningRecord{
			RunID:       normalized.RunID,
			Domain:      normalized.Domain,
			DataType:    normalized.Type,
			Value:       normalized.Value,
			SourceURL:   normalized.SourceURL,
			URLPattern:  PathPattern(source.Path),
			Description: fmt.Sprintf("learned %s from %s", normalized.Type, pathOf(source)),
		}

		changed := false
		switch normalized.Type {
		case TypeINN:
			switch {
			case rd.INN == "":
				rd.INN = normalized.Value
				rd.INNSourceURL = normalized.SourceURL
				changed = true
			case rd.INN != normalized.Value:
				rec.PreviousValue = rd.INN
			}
		case TypeEmail:
			if !contains(rd.Emails, normalized.Value) {
				if len(rd.Emails) > 0 {
					rec.PreviousValue = rd.Emails[0]
					rd.PreviousEmail = rd.Emails[0]
				}
				rd.Emails = append(rd.Emails, normalized.Value)
				rd.EmailSourceURL = normalized.SourceURL
				changed = true
			}
		}
		return rec, changed, nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"run":    record.RunID,
		"domain": record.Domain,
		"type":   record.DataType,
	}).Info("Correction recorded")
	return record, nil
}

func validate(c Correction) (Correction, *url.URL, error) {
	if c.RunID == "" {
		return c, nil, fmt.Errorf("%w: runId is required", ErrInvalidCorrection)
	}
	d := domain.Normalize(c.Domain)
	if d == "" {
		return c, nil, fmt.Errorf("%w: domain %q", ErrInvalidCorrection, c.Domain)
	}
	c.Domain = d

	switch c.Type {
	case TypeINN:
		inn := extract.CleanINN(c.Value)
		if !extract.ValidINN(inn) {
			return c, nil, fmt.Errorf("%w: %q is not a valid INN", ErrInvalidCorrection, c.Value)
		}
		c.Value = inn
	case TypeEmail:
		email := strings.ToLower(strings.TrimSpace(c.Value))
		if !extract.ValidEmail(email) {
			return c, nil, fmt.Errorf("%w: %q is not a valid email", ErrInvalidCorrection, c.Value)
		}
		c.Value = email
	default:
		return c, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCorrection, c.Type)
	}

	source, err := url.Parse(strings.TrimSpace(c.SourceURL))
	if err != nil || (source.Scheme != "http" && source.Scheme != "https") || source.Host == "" {
		return c, nil, fmt.Errorf("%w: sourceUrl must be an absolute http(s) URL", ErrInvalidCorrection)
	}
	c.SourceURL = source.String()
	return c, source, nil
}

// Stats summarizes the learning log against run outcomes
type Stats struct {
	TotalLearned        int     `json:"totalLearned"`
	INNLearned          int     `json:"innLearned"`
	EmailLearned        int     `json:"emailLearned"`
	TerminalDomains     int     `json:"terminalDomains"`
	CorrectedModeration int     `json:"correctedModeration"`
	SuccessRateBefore   float64 `json:"successRateBefore"`
	SuccessRateAfter    float64 `json:"successRateAfter"`
}

// Stats computes learning counters and the automatic success rate before and after corrections
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	records, err := s.store.ListLearningRecords(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, r := range records {
		stats.TotalLearned++
		switch r.DataType {
		case TypeINN:
			stats.INNLearned++
		case TypeEmail:
			stats.EmailLearned++
		}
	}

	counts, err := s.store.StatusCounts(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	automatic := counts[storage.StatusSupplier] + counts[storage.StatusReseller]
	stats.TerminalDomains = automatic + counts[storage.StatusRequiresModeration] + counts[storage.StatusNeedsModeration]

	stats.CorrectedModeration, err = s.store.CountCorrectedModeration(ctx)
	if err != nil {
		return Stats{}, err
	}

	if stats.TerminalDomains > 0 {
		stats.SuccessRateBefore = float64(automatic) / float64(stats.TerminalDomains)
		stats.SuccessRateAfter = float64(automatic+stats.CorrectedModeration) / float64(stats.TerminalDomains)
	}
	return stats, nil
}

// PatternSummary counts learned values found under one URL path pattern
type PatternSummary struct {
	Pattern string   `json:"pattern"`
	INN     int      `json:"inn"`
	Email   int      `json:"email"`
	Total   int      `json:"total"`
	Domains []string `json:"domains"`
}

// LearnedSummary groups the learning log by source path pattern, most productive first
func (s *Service) LearnedSummary(ctx context.Context) ([]PatternSummary, error) {
	records, err := s.store.ListLearningRecords(ctx)
	if err != nil {
		return nil, err
	}

	byPattern := make(map[string]*PatternSummary)
	for _, r := range records {
		summary, exists := byPattern[r.URLPattern]
		if !exists {
			summary = &PatternSummary{Pattern: r.URLPattern}
			byPattern[r.URLPattern] = summary
		}
		summary.Total++
		switch r.DataType {
		case TypeINN:
			summary.INN++
		case TypeEmail:
			summary.Email++
		}
		if !contains(summary.Domains, r.Domain) {
			summary.Domains = append(summary.Domains, r.Domain)
		}
	}

	result := make([]PatternSummary, 0, len(byPattern))
	for _, summary := range byPattern {
		result = append(result, *summary)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Total != result[j].Total {
			return result[i].Total > result[j].Total
		}
		return result[i].Pattern < result[j].Pattern
	})
	return result, nil
}

// PathPattern lower-cases a URL path and collapses digit runs so that
// /company/123/contacts and /company/45/contacts share a pattern
func PathPattern(path string) string {
	path = strings.ToLower(strings.TrimSuffix(path, "/"))
	if path == "" {
		return "/"
	}
	return digitRun.ReplaceAllString(path, "{n}")
}

func pathOf(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
