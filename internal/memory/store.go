package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/storage"
)

// Store holds merchants, snapshots and jobs in memory. It mirrors the
// SQLite storage semantics and backs dry runs and tests.
type Store struct {
	merchants       map[string]*storage.Merchant // domain -> merchant
	merchantsByID   map[int64]*storage.Merchant  // id -> merchant
	snapshots       map[int64]storage.ProductSnapshot
	jobs            map[string]*storage.Job
	merchantCounter int64
	snapshotCounter int64
	mu              sync.RWMutex
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		merchants:     make(map[string]*storage.Merchant),
		merchantsByID: make(map[int64]*storage.Merchant),
		snapshots:     make(map[int64]storage.ProductSnapshot),
		jobs:          make(map[string]*storage.Job),
	}
}

// UpsertMerchant inserts or updates a merchant keyed by domain
// Returns the id of the inserted/existing merchant
func (s *Store) UpsertMerchant(_ context.Context, m storage.Merchant) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertMerchant(m)
}

func (s *Store) upsertMerchant(m storage.Merchant) (int64, error) {
	if m.Domain == "" {
		return 0, fmt.Errorf("failed to upsert merchant: empty domain")
	}

	now := time.Now().UTC()
	if existing, ok := s.merchants[m.Domain]; ok {
		existing.Currency = m.Currency
		existing.Language = m.Language
		existing.Date = m.Date
		existing.JobID = m.JobID
		mergeMetadata(&existing.MerchantMetadata, m.MerchantMetadata)
		existing.UpdatedAt = now
		return existing.ID, nil
	}

	s.merchantCounter++
	stored := m
	stored.ID = s.merchantCounter
	stored.Reviewed = false
	stored.Notes = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.merchants[stored.Domain] = &stored
	s.merchantsByID[stored.ID] = &stored
	return stored.ID, nil
}

// mergeMetadata keeps existing values where the update is empty
func mergeMetadata(dst *storage.MerchantMetadata, src storage.MerchantMetadata) {
	set := func(d *string, v string) {
		if v != "" {
			*d = v
		}
	}
	set(&dst.Revenue, src.Revenue)
	set(&dst.AdLink, src.AdLink)
	set(&dst.Niche, src.Niche)
	set(&dst.ProductCount, src.ProductCount)
	set(&dst.Traffic, src.Traffic)
	set(&dst.App, src.App)
	set(&dst.Theme, src.Theme)
}

// UpsertProductSnapshot inserts or replaces the snapshot owned by merchantID
func (s *Store) UpsertProductSnapshot(_ context.Context, merchantID int64, snap storage.ProductSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertSnapshot(merchantID, snap)
}

func (s *Store) upsertSnapshot(merchantID int64, snap storage.ProductSnapshot) error {
	if _, ok := s.merchantsByID[merchantID]; !ok {
		return fmt.Errorf("merchant %d not found", merchantID)
	}

	if existing, ok := s.snapshots[merchantID]; ok {
		snap.ID = existing.ID
	} else {
		s.snapshotCounter++
		snap.ID = s.snapshotCounter
	}
	snap.MerchantID = merchantID
	snap.Images = append([]string{}, snap.Images...)
	if snap.Status == "" {
		snap.Status = storage.SnapshotOpen
	}
	s.snapshots[merchantID] = snap
	return nil
}

// SaveMerchant writes a merchant and its snapshot together
func (s *Store) SaveMerchant(_ context.Context, m storage.Merchant, snap storage.ProductSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.upsertMerchant(m)
	if err != nil {
		return 0, err
	}
	if err := s.upsertSnapshot(id, snap); err != nil {
		return 0, err
	}
	return id, nil
}

// BatchInsertDay persists one day of records
func (s *Store) BatchInsertDay(_ context.Context, jobID string, records []storage.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if rec.Merchant.Domain == "" {
			return 0, fmt.Errorf("failed to insert merchant batch: empty domain")
		}
	}

	for _, rec := range records {
		m := rec.Merchant
		if jobID != "" {
			m.JobID = jobID
		}
		id, err := s.upsertMerchant(m)
		if err != nil {
			return 0, err
		}
		if err := s.upsertSnapshot(id, rec.Snapshot); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// CreateJob stores a new job
func (s *Store) CreateJob(_ context.Context, job *storage.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = storage.JobPending
	}
	if job.Kind == "" {
		job.Kind = storage.JobKindScrape
	}
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}

// GetJob returns a copy of the job
func (s *Store) GetJob(_ context.Context, id string) (*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs returns the most recent jobs first
func (s *Store) ListJobs(_ context.Context, limit int) ([]*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*storage.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// UpdateJob applies a partial update
func (s *Store) UpdateJob(_ context.Context, id string, update storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.ProcessingDate != nil {
		job.ProcessingDate = *update.ProcessingDate
	}
	if update.TotalRecords != nil {
		job.TotalRecords = *update.TotalRecords
	}
	job.TotalRecords += update.AddRecords
	if update.BatchIndex != nil {
		job.BatchIndex = *update.BatchIndex
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// FailInterruptedJobs marks every in-progress job as failed
func (s *Store) FailInterruptedJobs(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == storage.JobInProgress {
			job.Status = storage.JobFailed
			job.ErrorMessage = "interrupted"
			n++
		}
	}
	return n, nil
}

// ListMerchants returns merchants joined with their snapshots
func (s *Store) ListMerchants(_ context.Context, filter storage.MerchantFilter) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []storage.Record{}
	for _, m := range s.merchantsByID {
		snap, hasSnap := s.snapshots[m.ID]
		if !matches(m, snap, filter) {
			continue
		}
		if !hasSnap {
			snap = storage.ProductSnapshot{MerchantID: m.ID, Images: []string{}}
		}
		snap.Images = append([]string{}, snap.Images...)
		records = append(records, storage.Record{Merchant: *m, Snapshot: snap})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Merchant.Date != records[j].Merchant.Date {
			return records[i].Merchant.Date > records[j].Merchant.Date
		}
		return records[i].Merchant.ID < records[j].Merchant.ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(records) {
			return []storage.Record{}, nil
		}
		records = records[filter.Offset:]
	}
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func matches(m *storage.Merchant, snap storage.ProductSnapshot, f storage.MerchantFilter) bool {
	if f.DateFrom != "" && m.Date < f.DateFrom {
		return false
	}
	if f.DateTo != "" && m.Date > f.DateTo {
		return false
	}
	if f.Currency != "" && m.Currency != strings.ToUpper(f.Currency) {
		return false
	}
	if f.Language != "" && !strings.EqualFold(m.Language, f.Language) {
		return false
	}
	if f.Reviewed != nil && m.Reviewed != *f.Reviewed {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(m.Domain, q) &&
			!strings.Contains(strings.ToLower(snap.Title), q) &&
			!strings.Contains(strings.ToLower(m.Niche), q) {
			return false
		}
	}
	return true
}

// AnnotateMerchant applies a manual review update
func (s *Store) AnnotateMerchant(_ context.Context, id int64, a storage.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.merchantsByID[id]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrMerchantNotFound, id)
	}
	if a.Reviewed != nil {
		m.Reviewed = *a.Reviewed
	}
	if a.Notes != nil {
		m.Notes = *a.Notes
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// GetStats returns current merchant and snapshot counts
func (s *Store) GetStats() (merchantCount, snapshotCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.merchants), len(s.snapshots)
}

// Close is a no-op so the store can stand in for the SQLite storage
func (s *Store) Close() error {
	return nil
}
