package storage

import (
	"errors"
	"time"
)

// DateLayout is the calendar-day format used for listing dates and job cursors
const DateLayout = "2006-01-02"

var (
	// ErrJobNotFound is returned when a job id has no row
	ErrJobNotFound = errors.New("job not found")
	// ErrMerchantNotFound is returned when a merchant id has no row
	ErrMerchantNotFound = errors.New("merchant not found")
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobKind distinguishes date-range scrapes from CSV imports
type JobKind string

const (
	JobKindScrape JobKind = "scrape"
	JobKindImport JobKind = "import"
)

// Job tracks one date-range scrape or one CSV import
type Job struct {
	ID             string    `json:"id"`
	Kind           JobKind   `json:"kind"`
	StartDate      string    `json:"start_date,omitempty"`
	EndDate        string    `json:"end_date,omitempty"`
	ProcessingDate string    `json:"processing_date,omitempty"`
	Status         JobStatus `json:"status"`
	TotalRecords   int       `json:"total_records"`
	FilePath       string    `json:"file_path,omitempty"`
	BatchIndex     int       `json:"batch_index"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobUpdate is a partial update; nil fields are left untouched.
// AddRecords is added to total_records rather than replacing it.
type JobUpdate struct {
	Status         *JobStatus
	ProcessingDate *string
	TotalRecords   *int
	AddRecords     int
	BatchIndex     *int
	ErrorMessage   *string
}

// MerchantMetadata is the free-form merchant data supplied by CSV imports
type MerchantMetadata struct {
	Revenue      string `json:"revenue,omitempty"`
	AdLink       string `json:"ad_link,omitempty"`
	Niche        string `json:"niche,omitempty"`
	ProductCount string `json:"product_count,omitempty"`
	Traffic      string `json:"traffic,omitempty"`
	App          string `json:"app,omitempty"`
	Theme        string `json:"theme,omitempty"`
}

// Merchant is a storefront domain observed on a given date
type Merchant struct {
	ID       int64  `json:"id,omitempty"`
	Date     string `json:"date"`
	Domain   string `json:"domain"`
	Currency string `json:"currency"`
	Language string `json:"language"`
	JobID    string `json:"job_id,omitempty"`
	MerchantMetadata
	Reviewed  bool      `json:"reviewed"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SnapshotStatus tells whether the storefront catalog answered
type SnapshotStatus string

const (
	SnapshotOpen   SnapshotStatus = "open"
	SnapshotClosed SnapshotStatus = "closed"
)

// ProductSnapshot is the sample product captured for a merchant
type ProductSnapshot struct {
	ID         int64          `json:"id,omitempty"`
	MerchantID int64          `json:"merchant_id,omitempty"`
	Title      string         `json:"title"`
	Images     []string       `json:"images"`
	Status     SnapshotStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// Record pairs a merchant with its snapshot
type Record struct {
	Merchant Merchant        `json:"merchant"`
	Snapshot ProductSnapshot `json:"product"`
}

// MerchantFilter narrows merchant listings. Zero values disable a filter;
// Limit <= 0 means no limit.
type MerchantFilter struct {
	DateFrom string
	DateTo   string
	Currency string
	Language string
	Query    string
	Reviewed *bool
	Limit    int
	Offset   int
}

// Annotation is the manual review update for a merchant
type Annotation struct {
	Reviewed *bool   `json:"reviewed"`
	Notes    *string `json:"notes"`
}

// Metrics tracks scrape and import statistics for export on exit
type Metrics struct {
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	DaysScraped       int       `json:"days_scraped"`
	DaysFailed        int       `json:"days_failed"`
	MerchantsFound    int       `json:"merchants_found"`
	CatalogsOpen      int       `json:"catalogs_open"`
	CatalogsClosed    int       `json:"catalogs_closed"`
	RowsImported      int       `json:"rows_imported"`
	RowsSkipped       int       `json:"rows_skipped"`
	TotalFetchTimeMs  int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs    int64     `json:"avg_fetch_time_ms"`
	TerminationReason string    `json:"termination_reason,omitempty"`
}
