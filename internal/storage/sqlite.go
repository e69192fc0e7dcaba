package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DefaultBatchSize is the number of merchant rows written per insert statement
const DefaultBatchSize = 50

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage handles all database operations
type Storage struct {
	db        *sql.DB
	batchSize int
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := NewStorageFromDB(db)

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// NewStorageFromDB wraps an already opened database without touching its schema
func NewStorageFromDB(db *sql.DB) *Storage {
	return &Storage{db: db, batchSize: DefaultBatchSize}
}

// SetBatchSize overrides the number of merchants written per insert statement
func (s *Storage) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'scrape',
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		processing_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		total_records INTEGER NOT NULL DEFAULT 0,
		file_path TEXT NOT NULL DEFAULT '',
		batch_index INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS merchants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT UNIQUE NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		revenue TEXT NOT NULL DEFAULT '',
		ad_link TEXT NOT NULL DEFAULT '',
		niche TEXT NOT NULL DEFAULT '',
		product_count TEXT NOT NULL DEFAULT '',
		traffic TEXT NOT NULL DEFAULT '',
		app TEXT NOT NULL DEFAULT '',
		theme TEXT NOT NULL DEFAULT '',
		reviewed BOOLEAN NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS product_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		merchant_id INTEGER UNIQUE NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'open',
		error TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (merchant_id) REFERENCES merchants(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_merchants_date ON merchants(date);
	CREATE INDEX IF NOT EXISTS idx_merchants_job ON merchants(job_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

const upsertMerchantColumns = `domain, currency, language, date, job_id, revenue, ad_link, niche, product_count, traffic, app, theme`

// Metadata only overwrites when the new value is non-empty, so a scrape
// does not erase what an import supplied.
const upsertMerchantConflict = `
	ON CONFLICT(domain) DO UPDATE SET
		currency = excluded.currency,
		language = excluded.language,
		date = excluded.date,
		job_id = excluded.job_id,
		revenue = COALESCE(NULLIF(excluded.revenue, ''), merchants.revenue),
		ad_link = COALESCE(NULLIF(excluded.ad_link, ''), merchants.ad_link),
		niche = COALESCE(NULLIF(excluded.niche, ''), merchants.niche),
		product_count = COALESCE(NULLIF(excluded.product_count, ''), merchants.product_count),
		traffic = COALESCE(NULLIF(excluded.traffic, ''), merchants.traffic),
		app = COALESCE(NULLIF(excluded.app, ''), merchants.app),
		theme = COALESCE(NULLIF(excluded.theme, ''), merchants.theme),
		updated_at = CURRENT_TIMESTAMP`

const upsertSnapshotConflict = `
	ON CONFLICT(merchant_id) DO UPDATE SET
		title = excluded.title,
		images = excluded.images,
		status = excluded.status,
		error = excluded.error`

func merchantArgs(m Merchant) []any {
	return []any{
		m.Domain, m.Currency, m.Language, m.Date, m.JobID,
		m.Revenue, m.AdLink, m.Niche, m.ProductCount, m.Traffic, m.App, m.Theme,
	}
}

func snapshotArgs(merchantID int64, snap ProductSnapshot) ([]any, error) {
	images := snap.Images
	if images == nil {
		images = []string{}
	}
	encoded, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("failed to encode images: %w", err)
	}
	status := snap.Status
	if status == "" {
		status = SnapshotOpen
	}
	return []any{merchantID, snap.Title, string(encoded), string(status), snap.Error}, nil
}

// UpsertMerchant inserts a merchant or updates the row with the same domain.
// Returns the id of the inserted/existing row
func (s *Storage) UpsertMerchant(ctx context.Context, m Merchant) (int64, error) {
	return upsertMerchant(ctx, s.db, m)
}

func upsertMerchant(ctx context.Context, q dbtx, m Merchant) (int64, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO merchants (`+upsertMerchantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+upsertMerchantConflict,
		merchantArgs(m)...)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert merchant %s: %w", m.Domain, err)
	}

	// Get the merchant id
	var id int64
	err = q.QueryRowContext(ctx, "SELECT id FROM merchants WHERE domain = ?", m.Domain).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve merchant id for %s: %w", m.Domain, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("failed to retrieve merchant id for %s: store returned no id", m.Domain)
	}

	return id, nil
}

// UpsertProductSnapshot inserts or replaces the snapshot owned by merchantID
func (s *Storage) UpsertProductSnapshot(ctx context.Context, merchantID int64, snap ProductSnapshot) error {
	return upsertProductSnapshot(ctx, s.db, merchantID, snap)
}

func upsertProductSnapshot(ctx context.Context, q dbtx, merchantID int64, snap ProductSnapshot) error {
	args, err := snapshotArgs(merchantID, snap)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO product_snapshots (merchant_id, title, images, status, error)
		VALUES (?, ?, ?, ?, ?)`+upsertSnapshotConflict, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert product snapshot for merchant %d: %w", merchantID, err)
	}
	return nil
}

// SaveMerchant writes a merchant and its snapshot in one transaction
func (s *Storage) SaveMerchant(ctx context.Context, m Merchant, snap ProductSnapshot) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertMerchant(ctx, tx, m)
		if err != nil {
			return err
		}
		return upsertProductSnapshot(ctx, tx, id, snap)
	})
	return id, err
}

// BatchInsertDay persists one day of records in pages of batchSize.
// Merchants of a page are inserted first and their ids correlated by domain;
// snapshots are then written for every correlated id. The whole day commits
// or rolls back together. Returns the number of records persisted.
func (s *Storage) BatchInsertDay(ctx context.Context, jobID string, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	persisted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		persisted = 0
		for start := 0; start < len(records); start += s.batchSize {
			end := min(start+s.batchSize, len(records))
			n, err := insertPage(ctx, tx, jobID, records[start:end])
			if err != nil {
				return err
			}
			persisted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return persisted, nil
}

func insertPage(ctx context.Context, tx *sql.Tx, jobID string, page []Record) (int, error) {
	placeholders := make([]string, 0, len(page))
	args := make([]any, 0, len(page)*12)
	for _, rec := range page {
		m := rec.Merchant
		if jobID != "" {
			m.JobID = jobID
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, merchantArgs(m)...)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO merchants (`+upsertMerchantColumns+`)
		VALUES `+strings.Join(placeholders, ", ")+upsertMerchantConflict+`
		RETURNING id, domain`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert merchant batch: %w", err)
	}

	ids := make(map[string]int64, len(page))
	for rows.Next() {
		var id int64
		var domain string
		if err := rows.Scan(&id, &domain); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan inserted merchant: %w", err)
		}
		ids[domain] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating inserted merchants: %w", err)
	}
	rows.Close()

	placeholders = placeholders[:0]
	args = args[:0]
	for _, rec := range page {
		id, ok := ids[rec.Merchant.Domain]
		if !ok {
			logrus.Warnf("Skipping snapshot for %s: inserted id not returned", rec.Merchant.Domain)
			continue
		}
		snapArgs, err := snapshotArgs(id, rec.Snapshot)
		if err != nil {
			return 0, err
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, snapArgs...)
	}
	if len(placeholders) == 0 {
		return 0, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_snapshots (merchant_id, title, images, status, error)
		VALUES `+strings.Join(placeholders, ", ")+upsertSnapshotConflict, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert snapshot batch: %w", err)
	}

	return len(placeholders), nil
}

// withTx runs fn inside a transaction, committing on success
func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `id, kind, start_date, end_date, processing_date, status, total_records,
	file_path, batch_index, error_message, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var kind, status string
	err := row.Scan(&job.ID, &kind, &job.StartDate, &job.EndDate, &job.ProcessingDate, &status,
		&job.TotalRecords, &job.FilePath, &job.BatchIndex, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Kind = JobKind(kind)
	job.Status = JobStatus(status)
	return &job, nil
}

// CreateJob inserts a new job row, filling timestamps
func (s *Storage) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Kind == "" {
		job.Kind = JobKindScrape
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.Kind), job.StartDate, job.EndDate, job.ProcessingDate, string(job.Status),
		job.TotalRecords, job.FilePath, job.BatchIndex, job.ErrorMessage, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id
func (s *Storage) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs first
func (s *Storage) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob applies a partial update to a job row
func (s *Storage) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ProcessingDate != nil {
		sets = append(sets, "processing_date = ?")
		args = append(args, *update.ProcessingDate)
	}
	if update.TotalRecords != nil {
		sets = append(sets, "total_records = ?")
		args = append(args, *update.TotalRecords)
	}
	if update.AddRecords != 0 {
		sets = append(sets, "total_records = total_records + ?")
		args = append(args, update.AddRecords)
	}
	if update.BatchIndex != nil {
		sets = append(sets, "batch_index = ?")
		args = append(args, *update.BatchIndex)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// FailInterruptedJobs marks every in-progress job as failed. Called at startup,
// when no runner can still own them.
func (s *Storage) FailInterruptedJobs(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ?
	`, string(JobFailed), "interrupted", time.Now().UTC(), string(JobInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count interrupted jobs: %w", err)
	}
	return int(n), nil
}

// ListMerchants returns merchants joined with their snapshots
func (s *Storage) ListMerchants(ctx context.Context, filter MerchantFilter) ([]Record, error) {
	var where []string
	var args []any

	if filter.DateFrom != "" {
		where = append(where, "m.date >= ?")
		args = append(args, filter.DateFrom)
	}
	if filter.DateTo != "" {
		where = append(where, "m.date <= ?")
		args = append(args, filter.DateTo)
	}
	if filter.Currency != "" {
		where = append(where, "m.currency = ?")
		args = append(args, strings.ToUpper(filter.Currency))
	}
	if filter.Language != "" {
		where = append(where, "LOWER(m.language) = LOWER(?)")
		args = append(args, filter.Language)
	}
	if filter.Query != "" {
		where = append(where, "(m.domain LIKE ? OR ps.title LIKE ? OR m.niche LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like, like)
	}
	if filter.Reviewed != nil {
		where = append(where, "m.reviewed = ?")
		args = append(args, *filter.Reviewed)
	}

	query := `
		SELECT m.id, m.date, m.domain, m.currency, m.language, m.job_id,
		       m.revenue, m.ad_link, m.niche, m.product_count, m.traffic, m.app, m.theme,
		       m.reviewed, m.notes, m.created_at, m.updated_at,
		       COALESCE(ps.id, 0), COALESCE(ps.title, ''), COALESCE(ps.images, '[]'),
		       COALESCE(ps.status, ''), COALESCE(ps.error, '')
		FROM merchants m
		LEFT JOIN product_snapshots ps ON ps.merchant_id = m.id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY m.date DESC, m.id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var images, status string
		m := &rec.Merchant
		err := rows.Scan(&m.ID, &m.Date, &m.Domain, &m.Currency, &m.Language, &m.JobID,
			&m.Revenue, &m.AdLink, &m.Niche, &m.ProductCount, &m.Traffic, &m.App, &m.Theme,
			&m.Reviewed, &m.Notes, &m.CreatedAt, &m.UpdatedAt,
			&rec.Snapshot.ID, &rec.Snapshot.Title, &images, &status, &rec.Snapshot.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		rec.Snapshot.MerchantID = m.ID
		rec.Snapshot.Status = SnapshotStatus(status)
		if err := json.Unmarshal([]byte(images), &rec.Snapshot.Images); err != nil {
			logrus.Warnf("Merchant %s has unreadable images column: %v", m.Domain, err)
		}
		if rec.Snapshot.Images == nil {
			rec.Snapshot.Images = []string{}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merchants: %w", err)
	}
	return records, nil
}

// AnnotateMerchant applies a manual review update
func (s *Storage) AnnotateMerchant(ctx context.Context, id int64, a Annotation) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if a.Reviewed != nil {
		sets = append(sets, "reviewed = ?")
		args = append(args, *a.Reviewed)
	}
	if a.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *a.Notes)
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, "UPDATE merchants SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to annotate merchant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check annotated merchant: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrMerchantNotFound, id)
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
