// Package parser extracts merchant candidates from listing pages. Extraction
// is pure: no network access, and malformed markup only degrades results.
package parser

import (
	"html"
	"regexp"
	"strings"

	"github.com/alvmarrod/storefront-scout/internal/storage"
)

// Extractor turns one listing page into merchants for the given date.
// Implementations deduplicate by domain, keeping first-seen order.
type Extractor interface {
	Extract(page, date string) []storage.Merchant
}

// BlockSplitter segments a page into listing blocks, one entry each
type BlockSplitter interface {
	Split(page string) []string
}

// DomainResolver finds a raw domain candidate inside a block, or ""
type DomainResolver interface {
	ResolveDomain(block string) string
}

// LocaleResolver finds the currency and language of a block; both may be empty
type LocaleResolver interface {
	ResolveLocale(block string) (currency, language string)
}

var (
	blockStart   = regexp.MustCompile(`(?i)<(?:div|li|article|section)\b[^>]*\bclass\s*=\s*["'](?:[^"']*\s)?(?:shop|store)-(?:item|card|entry)(?:\s[^"']*)?["'][^>]*>`)
	shopDataAttr = regexp.MustCompile(`(?i)\bdata-(?:shop|store)-(?:url|domain)\s*=\s*["']([^"']+)["']`)
	shopAnchor   = regexp.MustCompile(`(?is)<a\b[^>]*\bclass\s*=\s*["'](?:[^"']*\s)?(?:shop|store|visit)-link(?:\s[^"']*)?["'][^>]*>`)
	hrefAttr     = regexp.MustCompile(`(?i)\bhref\s*=\s*["']([^"']+)["']`)
	typeLabel    = regexp.MustCompile(`(?is)\bType\s*:\s*(?:<[^>]*>\s*)*([^<\s]+)`)
	anyTag       = regexp.MustCompile(`(?s)<[^>]*>`)
	domainLike   = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
	localeParens = regexp.MustCompile(`\(\s*([A-Za-z]{3})\s*/\s*([^()<>]*?)\s*\)`)
	flagImage    = regexp.MustCompile(`(?is)<img\b[^>]*\bflag[^>]*>`)
	altAttr      = regexp.MustCompile(`(?i)\balt\s*=\s*["']\s*([A-Za-z]{2,3})\s*["']`)
	flagSrc      = regexp.MustCompile(`(?i)\bsrc\s*=\s*["'][^"']*/flags?/(?:[^"'/]*/)*([a-z]{2,3})\.(?:png|svg|gif|jpe?g|webp)["']`)
	elementTag   = regexp.MustCompile(`<(/?)([A-Za-z][A-Za-z0-9]*)\b[^>]*>`)
	listingEnd   = regexp.MustCompile(`(?i)</main\s*>|<footer\b|</body\s*>`)
)

// PatternSplitter splits on the opening tag of each shop block
type PatternSplitter struct {
	Start *regexp.Regexp
}

// Split returns one string per block. A block ends at its own closing tag;
// unbalanced markup ends at the next block or the end of the listing area.
func (p PatternSplitter) Split(page string) []string {
	starts := p.Start.FindAllStringIndex(page, -1)
	blocks := make([]string, 0, len(starts))
	for i, loc := range starts {
		limit := len(page)
		if i+1 < len(starts) {
			limit = starts[i+1][0]
		}
		if m := listingEnd.FindStringIndex(page[loc[1]:limit]); m != nil {
			limit = loc[1] + m[0]
		}
		blocks = append(blocks, page[loc[0]:blockEnd(page, loc, limit)])
	}
	return blocks
}

// blockEnd returns the offset just past the element opened at start, or limit
// when the element is not closed before it
func blockEnd(page string, start []int, limit int) int {
	open := elementTag.FindStringSubmatch(page[start[0]:start[1]])
	if open == nil {
		return limit
	}
	name := strings.ToLower(open[2])

	depth := 1
	rest := page[start[1]:limit]
	for _, m := range elementTag.FindAllStringSubmatchIndex(rest, -1) {
		if strings.ToLower(rest[m[4]:m[5]]) != name {
			continue
		}
		if m[3] > m[2] {
			depth--
		} else {
			depth++
		}
		if depth == 0 {
			return start[1] + m[1]
		}
	}
	return limit
}

// ShopLinkResolver reads the explicit outbound shop link of a block
type ShopLinkResolver struct{}

// ResolveDomain prefers a data attribute, then a shop-link anchor href
func (ShopLinkResolver) ResolveDomain(block string) string {
	if m := shopDataAttr.FindStringSubmatch(block); m != nil {
		return html.UnescapeString(m[1])
	}
	if tag := shopAnchor.FindString(block); tag != "" {
		if m := hrefAttr.FindStringSubmatch(tag); m != nil {
			return html.UnescapeString(m[1])
		}
	}
	return ""
}

// TypeLabelResolver reads a "Type: example.com" text field
type TypeLabelResolver struct{}

// ResolveDomain returns the first token after the label
func (TypeLabelResolver) ResolveDomain(block string) string {
	if m := typeLabel.FindStringSubmatch(block); m != nil {
		return html.UnescapeString(m[1])
	}
	return ""
}

// TextDomainResolver is the fallback: the first domain-shaped, non-excluded
// substring of the block's visible text
type TextDomainResolver struct{}

// ResolveDomain scans the tag-stripped block text
func (TextDomainResolver) ResolveDomain(block string) string {
	for _, candidate := range domainLike.FindAllString(visibleText(block), -1) {
		d := Normalize(candidate)
		if IsDomain(d) && !IsExcluded(d) {
			return d
		}
	}
	return ""
}

// PatternLocaleResolver reads "(USD / English)", falling back to a flag image
type PatternLocaleResolver struct{}

// ResolveLocale never fails; absent fields are empty
func (PatternLocaleResolver) ResolveLocale(block string) (string, string) {
	if m := localeParens.FindStringSubmatch(visibleText(block)); m != nil {
		return strings.ToUpper(m[1]), strings.TrimSpace(m[2])
	}
	return flagCode(block), ""
}

func flagCode(block string) string {
	for _, tag := range flagImage.FindAllString(block, -1) {
		if m := altAttr.FindStringSubmatch(tag); m != nil {
			return strings.ToUpper(m[1])
		}
		if m := flagSrc.FindStringSubmatch(tag); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

func visibleText(fragment string) string {
	return html.UnescapeString(anyTag.ReplaceAllString(fragment, " "))
}

// PatternExtractor is the regex based extractor for the listing site markup
type PatternExtractor struct {
	Splitter  BlockSplitter
	Resolvers []DomainResolver
	Locale    LocaleResolver
	// ExcludeHosts are skipped in addition to the package exclusion list,
	// typically the listing site itself
	ExcludeHosts []string
}

// NewPatternExtractor builds the default extractor
func NewPatternExtractor(excludeHosts ...string) *PatternExtractor {
	hosts := make([]string, 0, len(excludeHosts))
	for _, h := range excludeHosts {
		if d := Normalize(h); d != "" {
			hosts = append(hosts, d)
		}
	}
	return &PatternExtractor{
		Splitter:     PatternSplitter{Start: blockStart},
		Resolvers:    []DomainResolver{ShopLinkResolver{}, TypeLabelResolver{}, TextDomainResolver{}},
		Locale:       PatternLocaleResolver{},
		ExcludeHosts: hosts,
	}
}

// Extract implements Extractor
func (p *PatternExtractor) Extract(page, date string) []storage.Merchant {
	merchants := []storage.Merchant{}
	seen := make(map[string]bool)

	for _, block := range p.Splitter.Split(page) {
		domain := resolveDomain(block, p.Resolvers, p.ExcludeHosts)
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true

		currency, language := p.Locale.ResolveLocale(block)
		merchants = append(merchants, storage.Merchant{
			Date:     date,
			Domain:   domain,
			Currency: currency,
			Language: language,
		})
	}

	return merchants
}

// resolveDomain tries each resolver in order; the first usable domain wins
func resolveDomain(block string, resolvers []DomainResolver, excludeHosts []string) string {
	for _, r := range resolvers {
		d := Normalize(r.ResolveDomain(block))
		if !IsDomain(d) || IsExcluded(d) || isExcludedHost(d, excludeHosts) {
			continue
		}
		return d
	}
	return ""
}

func isExcludedHost(domain string, hosts []string) bool {
	for _, h := range hosts {
		if domain == h || strings.HasSuffix(domain, "."+h) {
			return true
		}
	}
	return false
}

var defaultExtractor = NewPatternExtractor()

// Parse extracts merchants from a listing page with the default extractor
func Parse(page, date string) []storage.Merchant {
	return defaultExtractor.Extract(page, date)
}
