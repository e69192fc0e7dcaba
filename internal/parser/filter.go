package parser

import (
	"regexp"
	"strings"
)

// Excluded domain patterns (social media, ads, analytics, CDNs)
var excludedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|\.)(facebook|fb)\.com$`),
	regexp.MustCompile(`(?i)(^|\.)twitter\.com$`),
	regexp.MustCompile(`(?i)(^|\.)x\.com$`),
	regexp.MustCompile(`(?i)(^|\.)instagram\.com$`),
	regexp.MustCompile(`(?i)(^|\.)linkedin\.com$`),
	regexp.MustCompile(`(?i)(^|\.)youtube\.com$`),
	regexp.MustCompile(`(?i)(^|\.)tiktok\.com$`),
	regexp.MustCompile(`(?i)(^|\.)pinterest\.com$`),
	regexp.MustCompile(`(?i)google-analytics\.com$`),
	regexp.MustCompile(`(?i)googletagmanager\.com$`),
	regexp.MustCompile(`(?i)googleapis\.com$`),
	regexp.MustCompile(`(?i)doubleclick\.net$`),
	regexp.MustCompile(`(?i)(^|\.)cdn\.shopify\.com$`),
	regexp.MustCompile(`(?i)cloudfront\.net$`),
	regexp.MustCompile(`(?i)^ads?\.`),
	regexp.MustCompile(`(?i)^analytics?\.`),
}

var (
	schemePrefix = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)
	domainShape  = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{1,23}$`)
)

const (
	trailingJunk = " \t\r\n.,;:!?)]}'\"<>|*"
	leadingJunk  = " \t\r\n([{'\"<>|*@"
)

// Normalize reduces a link or host to a bare lower-case domain:
// protocol, credentials, port, leading www., path, query and surrounding
// punctuation are removed.
// Normalize is idempotent.
func Normalize(raw string) string {
	s := raw
	for {
		next := normalizeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalizeOnce(s string) string {
	s = strings.ToLower(strings.TrimLeft(strings.TrimSpace(s), leadingJunk))
	s = strings.TrimPrefix(s, "//")
	s = schemePrefix.ReplaceAllString(s, "")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimRight(s, trailingJunk)
}

// IsDomain reports whether s is a normalized, domain-shaped string
func IsDomain(s string) bool {
	return s != "" && len(s) <= 253 && domainShape.MatchString(s)
}

// IsExcluded checks if a domain matches any excluded pattern
func IsExcluded(domain string) bool {
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(domain) {
			return true
		}
	}
	return false
}
