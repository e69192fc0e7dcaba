// Package scraper assembles the merchant records of one listing day.
package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/crawler"
	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/parser"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Enricher produces the product snapshot of a domain without failing
type Enricher interface {
	Enrich(ctx context.Context, domain string) storage.ProductSnapshot
}

// Scraper fetches, parses and enriches listing days
type Scraper struct {
	collector   *colly.Collector
	baseURL     string
	extractor   parser.Extractor
	enricher    Enricher
	concurrency int
	tracker     *metrics.Tracker
}

// New creates a day scraper for the listing site at baseURL
func New(collector *colly.Collector, baseURL string, extractor parser.Extractor, enricher Enricher, concurrency int) *Scraper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scraper{
		collector:   collector,
		baseURL:     strings.TrimRight(baseURL, "/"),
		extractor:   extractor,
		enricher:    enricher,
		concurrency: concurrency,
	}
}

// SetTracker enables metrics recording
func (s *Scraper) SetTracker(t *metrics.Tracker) {
	s.tracker = t
}

// ListingURL returns the listing page for date
func (s *Scraper) ListingURL(date time.Time) string {
	return fmt.Sprintf("%s/shop/date/%s", s.baseURL, date.Format(storage.DateLayout))
}

// ScrapeDay returns the enriched merchants listed on date. A failed listing
// fetch fails the whole day; catalog failures are recorded in the snapshots.
func (s *Scraper) ScrapeDay(ctx context.Context, date time.Time) ([]storage.Record, error) {
	day := date.Format(storage.DateLayout)
	target := s.ListingURL(date)

	resp, err := crawler.Fetch(ctx, s.collector, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing for %s: %w", day, err)
	}
	if s.tracker != nil {
		s.tracker.RecordFetchTime(resp.Elapsed)
	}

	merchants := s.extractor.Extract(string(resp.Body), day)
	logrus.Infof("Listing %s: %d merchants (status=%d, %v)", day, len(merchants), resp.StatusCode, resp.Elapsed)
	if s.tracker != nil {
		s.tracker.AddMerchantsFound(len(merchants))
	}

	records := make([]storage.Record, len(merchants))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, m := range merchants {
		g.Go(func() error {
			snap := s.enricher.Enrich(ctx, m.Domain)
			records[i] = storage.Record{Merchant: m, Snapshot: snap}
			if s.tracker != nil {
				s.tracker.RecordCatalog(snap.Status)
			}
			return nil
		})
	}
	_ = g.Wait()

	return records, nil
}
