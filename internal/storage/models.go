package storage

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DomainStatus is the per-run status of a domain. The zero value is pending and is
// stored as NULL.
type DomainStatus string

const (
	StatusPending            DomainStatus = ""
	StatusProcessing         DomainStatus = "processing"
	StatusSupplier           DomainStatus = "supplier"
	StatusReseller           DomainStatus = "reseller"
	StatusRequiresModeration DomainStatus = "requires_moderation"
	StatusNeedsModeration    DomainStatus = "needs_moderation"
)

// SupplierType distinguishes manufacturers/direct sellers from resellers
type SupplierType string

const (
	SupplierTypeSupplier SupplierType = "supplier"
	SupplierTypeReseller SupplierType = "reseller"
)

// RunStatusCreated is the status of a run registered by this service. Enrichment
// progress lives in the run metadata, not here.
const RunStatusCreated = "created"

// Run is a batch of candidate domains submitted together
type Run struct {
	ID        string    `db:"id" json:"id"`
	Status    string    `db:"status" json:"status"`
	Metadata  string    `db:"metadata" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// RunDomain is one (run, domain) row with the evidence gathered for it
type RunDomain struct {
	RunID              string       `db:"run_id" json:"runId"`
	Domain             string       `db:"domain" json:"domain"`
	Status             DomainStatus `db:"status" json:"status"`
	Reason             string       `db:"reason" json:"reason,omitempty"`
	AttemptedURLs      StringList   `db:"attempted_urls" json:"attemptedUrls"`
	INN                string       `db:"inn" json:"inn,omitempty"`
	Emails             StringList   `db:"emails" json:"emails"`
	INNSourceURL       string       `db:"inn_source_url" json:"innSourceUrl,omitempty"`
	EmailSourceURL     string       `db:"email_source_url" json:"emailSourceUrl,omitempty"`
	SupplierID         *int64       `db:"supplier_id" json:"supplierId,omitempty"`
	Conflict           bool         `db:"conflict" json:"conflict"`
	ConflictSupplierID *int64       `db:"conflict_supplier_id" json:"conflictSupplierId,omitempty"`
	StrategyLog        StrategyLog  `db:"strategy_log" json:"strategyLog"`
	PreviousINN        string       `db:"previous_inn" json:"previousInn,omitempty"`
	PreviousEmail      string       `db:"previous_email" json:"previousEmail,omitempty"`
	Corrected          bool         `db:"corrected" json:"corrected"`
	ClaimedAt          *time.Time   `db:"claimed_at" json:"claimedAt,omitempty"`
	FinishedAt         *time.Time   `db:"finished_at" json:"finishedAt,omitempty"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updatedAt"`
}

// Completion carries everything written when a processing row reaches a terminal state
type Completion struct {
	RunID              string
	Domain             string
	Status             DomainStatus
	Reason             string
	AttemptedURLs      []string
	INN                string
	Emails             []string
	INNSourceURL       string
	EmailSourceURL     string
	SupplierID         *int64
	Conflict           bool
	ConflictSupplierID *int64
	StrategyLog        StrategyLog
}

// Supplier is a business entity keyed by INN
type Supplier struct {
	ID        int64        `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	INN       string       `db:"inn" json:"inn"`
	Type      SupplierType `db:"type" json:"type"`
	Emails    StringList   `db:"emails" json:"emails"`
	Domains   []string     `db:"-" json:"domains"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

// HasDomain reports whether the supplier lists the given normalized domain
func (s *Supplier) HasDomain(domain string) bool {
	for _, d := range s.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// DomainModeration is a global blacklist entry
type DomainModeration struct {
	Domain    string    `db:"domain" json:"domain"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// LearningRecord is an append-only record of a human-confirmed value
type LearningRecord struct {
	ID            int64     `db:"id" json:"id"`
	RunID         string    `db:"run_id" json:"runId"`
	Domain        string    `db:"domain" json:"domain"`
	DataType      string    `db:"data_type" json:"type"`
	Value         string    `db:"value" json:"value"`
	PreviousValue string    `db:"previous_value" json:"previousValue,omitempty"`
	SourceURL     string    `db:"source_url" json:"sourceUrl"`
	URLPattern    string    `db:"url_pattern" json:"urlPattern"`
	Description   string    `db:"description" json:"description"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// StrategyLogEntry records one strategy attempt for a domain
type StrategyLogEntry struct {
	Strategy   string `json:"strategy"`
	Outcome    string `json:"outcome"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Note       string `json:"note,omitempty"`
}

// StrategyLog is stored as a JSON array
type StrategyLog []StrategyLogEntry

// Value implements driver.Valuer
func (l StrategyLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *StrategyLog) Scan(src any) error {
	return scanJSON(src, l)
}

// StringList is stored as a JSON array of strings
type StringList []string

// Value implements driver.Valuer
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (s *StringList) Scan(src any) error {
	return scanJSON(src, s)
}

func scanJSON(src, dest any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// ExecutionStatus is the lifecycle of a background enrichment execution
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// EnrichmentStatusKey is the field of the run metadata holding the enrichment status
const EnrichmentStatusKey = "domain_parser_auto"

// enrichmentStatusVersion is the only status shape currently written
const enrichmentStatusVersion = 1

// ErrInvalidMetadata is returned when run metadata does not decode into a known shape
var ErrInvalidMetadata = errors.New("invalid run metadata")

// EnrichmentStatus tracks background enrichment of a run independently of the run itself
type EnrichmentStatus struct {
	Version     int             `json:"version"`
	Status      ExecutionStatus `json:"status"`
	ExecutionID string          `json:"executionId"`
	Mode        string          `json:"mode"`
	Force       bool            `json:"force"`
	QueuedAt    time.Time       `json:"queuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	Processed   int             `json:"processed"`
	Total       int             `json:"total"`
	LastDomain  string          `json:"lastDomain,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewEnrichmentStatus returns a queued status of the current version
func NewEnrichmentStatus(executionID, mode string, force bool, queuedAt time.Time) *EnrichmentStatus {
	return &EnrichmentStatus{
		Version:     enrichmentStatusVersion,
		Status:      ExecutionQueued,
		ExecutionID: executionID,
		Mode:        mode,
		Force:       force,
		QueuedAt:    queuedAt,
	}
}

// Validate checks the status is a shape this build understands
func (s *EnrichmentStatus) Validate() error {
	if s.Version != enrichmentStatusVersion {
		return fmt.Errorf("%w: unsupported enrichment status version %d", ErrInvalidMetadata, s.Version)
	}
	switch s.Status {
	case ExecutionQueued, ExecutionRunning, ExecutionCompleted, ExecutionFailed:
	default:
		return fmt.Errorf("%w: unknown enrichment status %q", ErrInvalidMetadata, s.Status)
	}
	if s.ExecutionID == "" {
		return fmt.Errorf("%w: executionId is required", ErrInvalidMetadata)
	}
	if s.QueuedAt.IsZero() {
		return fmt.Errorf("%w: queuedAt is required", ErrInvalidMetadata)
	}
	return nil
}

// Active reports whether the execution has not reached a final status
func (s *EnrichmentStatus) Active() bool {
	return s.Status == ExecutionQueued || s.Status == ExecutionRunning
}

// RunMetadata is the typed content of runs.metadata
type RunMetadata struct {
	Enrichment *EnrichmentStatus `json:"domain_parser_auto,omitempty"`
}

// ParseRunMetadata decodes and validates run metadata
func ParseRunMetadata(raw string) (RunMetadata, error) {
	var meta RunMetadata
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if meta.Enrichment != nil {
		if err := meta.Enrichment.Validate(); err != nil {
			return RunMetadata{}, err
		}
	}
	return meta, nil
}

// Encode serializes the metadata
func (m RunMetadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode run metadata: %w", err)
	}
	return string(b), nil
}

// Metrics holds enrichment statistics exported on exit
type Metrics struct {
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	DomainsProcessed  int            `json:"domains_processed"`
	DomainsSkipped    int            `json:"domains_skipped"`
	Outcomes          map[string]int `json:"outcomes"`
	StrategyAttempts  map[string]int `json:"strategy_attempts"`
	StrategySuccesses map[string]int `json:"strategy_successes"`
	TotalExtractionMs int64          `json:"total_extraction_ms"`
	AvgExtractionMs   int64          `json:"avg_extraction_ms"`
	TerminationReason string         `json:"termination_reason"`
}
