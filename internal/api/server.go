// Package api exposes scraping, import and merchant browsing over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/jobs"
	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// JobLauncher starts date-range jobs in the background
type JobLauncher interface {
	Submit(ctx context.Context, startDate, endDate string) (*storage.Job, error)
}

// Importer drives paged CSV imports
type Importer interface {
	CreateJob(ctx context.Context, filePath string) (*storage.Job, error)
	ProcessPage(ctx context.Context, task jobs.ImportTask) (*jobs.PageResult, error)
	Enqueue(task jobs.ImportTask) bool
}

// Uploader stores uploaded files
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Store is the read and annotation side of persistence
type Store interface {
	GetJob(ctx context.Context, id string) (*storage.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*storage.Job, error)
	ListMerchants(ctx context.Context, filter storage.MerchantFilter) ([]storage.Record, error)
	AnnotateMerchant(ctx context.Context, id int64, a storage.Annotation) error
}

// Deps are the collaborators behind the handlers
type Deps struct {
	Scraper jobs.DayScraper
	Jobs    JobLauncher
	Imports Importer
	Blobs   Uploader
	Store   Store
	Tracker *metrics.Tracker
}

// Server holds the router and the HTTP server around it
type Server struct {
	deps   Deps
	router *gin.Engine
	server *http.Server
}

// NewServer wires the routes. addr may be empty when only Router is used.
func NewServer(addr string, deps Deps) *Server {
	if deps.Tracker == nil {
		deps.Tracker = metrics.NewTracker()
	}

	router := gin.New()
	router.Use(recoveryMiddleware())
	router.Use(loggerMiddleware())

	s := &Server{deps: deps, router: router}
	s.routes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)

	api := s.router.Group("/api")
	api.POST("/scrape", s.scrapeDay)
	api.POST("/jobs", s.createJob)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.POST("/imports/upload", s.uploadImport)
	api.POST("/imports", s.processImport)
	api.GET("/merchants", s.listMerchants)
	api.GET("/merchants/export", s.exportMerchants)
	api.PATCH("/merchants/:id", s.annotateMerchant)
	api.GET("/metrics", s.metrics)
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	logrus.Infof("HTTP API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}
