package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/export"
	"github.com/alvmarrod/storefront-scout/internal/jobs"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/alvmarrod/storefront-scout/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultMerchantLimit = 100
	maxMerchantLimit     = 1000
	maxUploadBytes       = 32 << 20
)

type scrapeRequest struct {
	Date string `json:"date" binding:"required"`
}

type jobRequest struct {
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

type importRequest struct {
	JobID      string `json:"jobId"`
	FilePath   string `json:"filePath"`
	BatchIndex int    `json:"batchIndex"`
}

func respondError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

// scrapeDay handles POST /api/scrape: one day, returned without persisting
func (s *Server) scrapeDay(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	date, err := jobs.ParseDate(req.Date)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	records, err := s.deps.Scraper.ScrapeDay(c.Request.Context(), date)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// createJob handles POST /api/jobs
func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	job, err := s.deps.Jobs.Submit(c.Request.Context(), req.StartDate, req.EndDate)
	if errors.Is(err, jobs.ErrInvalidDateRange) {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

func (s *Server) listJobs(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	list, err := s.deps.Store.ListJobs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrJobNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

// uploadImport handles POST /api/imports/upload: stores the file and creates
// the import job that later triggers reference
func (s *Server) uploadImport(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("%w: file", jobs.ErrMissingParameter))
		return
	}
	if fh.Size > maxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", maxUploadBytes))
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	ctx := c.Request.Context()
	path, err := s.deps.Blobs.Upload(ctx, fh.Filename, data)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	job, err := s.deps.Imports.CreateJob(ctx, path)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"jobId": job.ID, "filePath": path}})
}

// processImport handles POST /api/imports: the requested page is processed
// inline and the rest of the file is handed to the background worker
func (s *Server) processImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	task := jobs.ImportTask(req)
	res, err := s.deps.Imports.ProcessPage(c.Request.Context(), task)
	switch {
	case errors.Is(err, jobs.ErrMissingParameter):
		respondError(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, storage.ErrJobNotFound):
		respondError(c, http.StatusNotFound, err)
		return
	case errors.Is(err, jobs.ErrJobFinished):
		respondError(c, http.StatusConflict, err)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	if res.Done {
		c.JSON(http.StatusOK, gin.H{"data": res, "message": "import completed"})
		return
	}

	next := jobs.ImportTask{JobID: res.JobID, FilePath: task.FilePath, BatchIndex: res.BatchIndex + 1}
	if !s.deps.Imports.Enqueue(next) {
		logrus.Warnf("Continuation for job %s batch %d not queued", next.JobID, next.BatchIndex)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"data":    res,
		"message": fmt.Sprintf("batch %d processed, continuing from batch %d", res.BatchIndex, next.BatchIndex),
	})
}

// merchantFilter reads the browse/export query parameters
func merchantFilter(c *gin.Context, defaultLimit int) (storage.MerchantFilter, error) {
	f := storage.MerchantFilter{
		DateFrom: c.Query("date_from"),
		DateTo:   c.Query("date_to"),
		Currency: c.Query("currency"),
		Language: c.Query("language"),
		Query:    strings.TrimSpace(c.Query("q")),
	}
	for _, d := range []string{f.DateFrom, f.DateTo} {
		if d == "" {
			continue
		}
		if _, err := jobs.ParseDate(d); err != nil {
			return f, err
		}
	}
	if v := c.Query("reviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("reviewed must be a boolean: %q", v)
		}
		f.Reviewed = &b
	}

	var err error
	if f.Limit, err = intQuery(c, "limit", defaultLimit); err != nil {
		return f, err
	}
	if f.Limit > maxMerchantLimit {
		f.Limit = maxMerchantLimit
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %q", name, v)
	}
	return n, nil
}

func (s *Server) listMerchants(c *gin.Context) {
	filter, err := merchantFilter(c, defaultMerchantLimit)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	records, err := s.deps.Store.ListMerchants(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "limit": filter.Limit, "offset": filter.Offset})
}

// exportMerchants handles GET /api/merchants/export; no limit unless given
func (s *Server) exportMerchants(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	filter, err := merchantFilter(c, 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	records, err := s.deps.Store.ListMerchants(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, records); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	filename := fmt.Sprintf("merchants-%s.%s", time.Now().UTC().Format("20060102"), format)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

type annotationRequest struct {
	Reviewed *bool   `json:"reviewed"`
	Notes    *string `json:"notes"`
}

func (s *Server) annotateMerchant(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, fmt.Errorf("invalid merchant id %q", c.Param("id")))
		return
	}

	var req annotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Reviewed == nil && req.Notes == nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("%w: reviewed or notes", jobs.ErrMissingParameter))
		return
	}

	err = s.deps.Store.AnnotateMerchant(c.Request.Context(), id, storage.Annotation(req))
	if errors.Is(err, storage.ErrMerchantNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "reviewed": req.Reviewed, "notes": req.Notes}})
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.deps.Tracker.GetSnapshot()})
}
