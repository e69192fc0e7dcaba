package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/storage"
)

// Tracker holds and manages scrape and import metrics
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: storage.Metrics{
			StartTime: time.Now(),
		},
	}
}

// IncrementDaysScraped counts a listing day that was fetched and persisted
func (t *Tracker) IncrementDaysScraped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DaysScraped++
}

// IncrementDaysFailed counts a listing day that stopped its job
func (t *Tracker) IncrementDaysFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.DaysFailed++
}

// AddMerchantsFound adds n merchants extracted from listing pages
func (t *Tracker) AddMerchantsFound(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.MerchantsFound += n
}

// RecordCatalog counts one catalog fetch by outcome
func (t *Tracker) RecordCatalog(status storage.SnapshotStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == storage.SnapshotOpen {
		t.data.CatalogsOpen++
	} else {
		t.data.CatalogsClosed++
	}
}

// IncrementRowsImported counts a CSV row written to the store
func (t *Tracker) IncrementRowsImported() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RowsImported++
}

// IncrementRowsSkipped counts a CSV row that was invalid or failed
func (t *Tracker) IncrementRowsSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RowsSkipped++
}

// RecordFetchTime records a listing page fetch duration
func (t *Tracker) RecordFetchTime(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Finalize metrics
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs

	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Days: %d scraped, %d failed | Merchants: %d | Catalogs: %d open, %d closed | Import rows: %d imported, %d skipped",
		t.data.DaysScraped,
		t.data.DaysFailed,
		t.data.MerchantsFound,
		t.data.CatalogsOpen,
		t.data.CatalogsClosed,
		t.data.RowsImported,
		t.data.RowsSkipped,
	)
}
