package jobs

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alvmarrod/storefront-scout/internal/parser"
	"github.com/alvmarrod/storefront-scout/internal/storage"
)

// ImportRow is one data row of an uploaded CSV file
type ImportRow struct {
	Domain   string
	Title    string
	Images   []string
	Currency string
	Language string
	Date     string
	storage.MerchantMetadata
}

// Valid reports whether the row carries the fields a merchant needs
func (r ImportRow) Valid() bool {
	return r.Domain != "" && r.Title != ""
}

// Record converts the row into a merchant with an open snapshot
func (r ImportRow) Record(jobID string) storage.Record {
	images := r.Images
	if images == nil {
		images = []string{}
	}
	return storage.Record{
		Merchant: storage.Merchant{
			Date:             r.Date,
			Domain:           r.Domain,
			Currency:         r.Currency,
			Language:         r.Language,
			JobID:            jobID,
			MerchantMetadata: r.MerchantMetadata,
		},
		Snapshot: storage.ProductSnapshot{
			Title:  r.Title,
			Images: images,
			Status: storage.SnapshotOpen,
		},
	}
}

// headerAliases maps accepted column names to canonical fields
var headerAliases = map[string]string{
	"domain":        "domain",
	"url":           "domain",
	"store":         "domain",
	"website":       "domain",
	"title":         "title",
	"product_title": "title",
	"image":         "image1",
	"image1":        "image1",
	"image_1":       "image1",
	"image2":        "image2",
	"image_2":       "image2",
	"image3":        "image3",
	"image_3":       "image3",
	"images":        "images",
	"currency":      "currency",
	"language":      "language",
	"date":          "date",
	"revenue":       "revenue",
	"ad_link":       "ad_link",
	"adlink":        "ad_link",
	"niche":         "niche",
	"category":      "niche",
	"product_count": "product_count",
	"products":      "product_count",
	"traffic":       "traffic",
	"app":           "app",
	"apps":          "app",
	"theme":         "theme",
}

func canonicalHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	return headerAliases[h]
}

// ParseCSV reads the header and every data row. Unknown columns are ignored;
// blank lines are not rows.
func ParseCSV(data []byte) ([]ImportRow, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty CSV file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int)
	for i, h := range header {
		if name := canonicalHeader(h); name != "" {
			if _, dup := columns[name]; !dup {
				columns[name] = i
			}
		}
	}
	if _, ok := columns["domain"]; !ok {
		return nil, fmt.Errorf("CSV header has no domain column")
	}

	rows := make([]ImportRow, 0)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, buildRow(columns, fields))
	}
	return rows, nil
}

func buildRow(columns map[string]int, fields []string) ImportRow {
	get := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	row := ImportRow{
		Domain:   parser.Normalize(get("domain")),
		Title:    get("title"),
		Currency: strings.ToUpper(get("currency")),
		Language: get("language"),
		Date:     get("date"),
		MerchantMetadata: storage.MerchantMetadata{
			Revenue:      get("revenue"),
			AdLink:       get("ad_link"),
			Niche:        get("niche"),
			ProductCount: get("product_count"),
			Traffic:      get("traffic"),
			App:          get("app"),
			Theme:        get("theme"),
		},
	}

	candidates := []string{get("image1"), get("image2"), get("image3")}
	if list := get("images"); list != "" {
		candidates = append(candidates, strings.FieldsFunc(list, func(r rune) bool {
			return r == '|' || r == ';' || r == ' '
		})...)
	}
	for _, src := range candidates {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		row.Images = append(row.Images, src)
		if len(row.Images) == 3 {
			break
		}
	}
	return row
}
