package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/sirupsen/logrus"
)

// Selectors configures a SelectorExtractor. Empty selectors are skipped.
type Selectors struct {
	Block  string `json:"block"`  // one element per listing entry
	Link   string `json:"link"`   // element whose href or data-shop-url carries the shop
	Type   string `json:"type"`   // element whose text is the shop domain
	Locale string `json:"locale"` // element whose text reads "(CUR / Language)"
}

// SelectorExtractor resolves fields with CSS selectors, for listing markup
// the regex patterns do not cover
type SelectorExtractor struct {
	sel          Selectors
	excludeHosts []string
}

// NewSelectorExtractor builds an extractor from CSS selectors
func NewSelectorExtractor(sel Selectors, excludeHosts ...string) *SelectorExtractor {
	hosts := make([]string, 0, len(excludeHosts))
	for _, h := range excludeHosts {
		if d := Normalize(h); d != "" {
			hosts = append(hosts, d)
		}
	}
	return &SelectorExtractor{sel: sel, excludeHosts: hosts}
}

// Extract implements Extractor
func (x *SelectorExtractor) Extract(page, date string) []storage.Merchant {
	merchants := []storage.Merchant{}
	if x.sel.Block == "" {
		return merchants
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		logrus.Debugf("Selector extractor could not parse page for %s: %v", date, err)
		return merchants
	}

	seen := make(map[string]bool)
	doc.Find(x.sel.Block).Each(func(_ int, block *goquery.Selection) {
		blockHTML, err := goquery.OuterHtml(block)
		if err != nil {
			return
		}

		resolvers := []DomainResolver{
			selectionResolver(func() string { return x.linkValue(block) }),
			selectionResolver(func() string { return x.typeValue(block) }),
			TextDomainResolver{},
		}
		domain := resolveDomain(blockHTML, resolvers, x.excludeHosts)
		if domain == "" || seen[domain] {
			return
		}
		seen[domain] = true

		currency, language := x.locale(block, blockHTML)
		merchants = append(merchants, storage.Merchant{
			Date:     date,
			Domain:   domain,
			Currency: currency,
			Language: language,
		})
	})

	return merchants
}

func (x *SelectorExtractor) linkValue(block *goquery.Selection) string {
	if x.sel.Link == "" {
		return ""
	}
	link := block.Find(x.sel.Link).First()
	for _, attr := range []string{"data-shop-url", "data-store-url", "href"} {
		if v, ok := link.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (x *SelectorExtractor) typeValue(block *goquery.Selection) string {
	if x.sel.Type == "" {
		return ""
	}
	return strings.TrimSpace(block.Find(x.sel.Type).First().Text())
}

func (x *SelectorExtractor) locale(block *goquery.Selection, blockHTML string) (string, string) {
	if x.sel.Locale != "" {
		text := block.Find(x.sel.Locale).First().Text()
		if m := localeParens.FindStringSubmatch(text); m != nil {
			return strings.ToUpper(m[1]), strings.TrimSpace(m[2])
		}
	}
	return PatternLocaleResolver{}.ResolveLocale(blockHTML)
}

// selectionResolver adapts a closure over a selection to DomainResolver
type selectionResolver func() string

func (f selectionResolver) ResolveDomain(string) string {
	return f()
}
