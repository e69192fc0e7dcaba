// Package enricher samples a product from a merchant's storefront catalog.
package enricher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alvmarrod/storefront-scout/internal/crawler"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

// DefaultCatalogURL is the storefront catalog endpoint; %s is the domain
const DefaultCatalogURL = "https://%s/products.json?limit=10"

// MaxImages caps the images kept per snapshot
const MaxImages = 3

type catalog struct {
	Products []struct {
		Title  string `json:"title"`
		Images []struct {
			Src string `json:"src"`
		} `json:"images"`
	} `json:"products"`
}

// Enricher fetches catalogs through a shared collector
type Enricher struct {
	collector   *colly.Collector
	urlTemplate string
}

// New creates an Enricher. An empty urlTemplate selects DefaultCatalogURL.
func New(collector *colly.Collector, urlTemplate string) *Enricher {
	if urlTemplate == "" {
		urlTemplate = DefaultCatalogURL
	}
	return &Enricher{collector: collector, urlTemplate: urlTemplate}
}

// Enrich returns the snapshot for domain. It never fails: fetch and decode
// errors produce a closed snapshot carrying the error message.
func (e *Enricher) Enrich(ctx context.Context, domain string) storage.ProductSnapshot {
	target := fmt.Sprintf(e.urlTemplate, domain)

	resp, err := crawler.Fetch(ctx, e.collector, target)
	if err != nil {
		logrus.Debugf("Catalog for %s unavailable: %v", domain, err)
		return closed(err.Error())
	}

	snap, err := decode(resp.Body)
	if err != nil {
		logrus.Debugf("Catalog for %s unreadable: %v", domain, err)
		return closed(err.Error())
	}
	return snap
}

func closed(msg string) storage.ProductSnapshot {
	return storage.ProductSnapshot{
		Images: []string{},
		Status: storage.SnapshotClosed,
		Error:  msg,
	}
}

// decode takes the first product's title and up to MaxImages image URLs
func decode(body []byte) (storage.ProductSnapshot, error) {
	var c catalog
	if err := json.Unmarshal(body, &c); err != nil {
		return storage.ProductSnapshot{}, fmt.Errorf("invalid catalog JSON: %w", err)
	}

	snap := storage.ProductSnapshot{
		Images: []string{},
		Status: storage.SnapshotOpen,
	}
	if len(c.Products) == 0 {
		return snap, nil
	}

	first := c.Products[0]
	snap.Title = first.Title
	for _, img := range first.Images {
		src := strings.TrimSpace(img.Src)
		if src == "" {
			continue
		}
		snap.Images = append(snap.Images, src)
		if len(snap.Images) == MaxImages {
			break
		}
	}
	return snap, nil
}
