package extract

import (
	"regexp"
	"strings"
)

var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	exactEmailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	// info [at] example [dot] ru, info(at)example.ru
	obfuscatedAt  = regexp.MustCompile(`(?i)\s*[\[\(\{]\s*(?:at|собака)\s*[\]\)\}]\s*`)
	obfuscatedDot = regexp.MustCompile(`(?i)\s*[\[\(\{]\s*(?:dot|точка)\s*[\]\)\}]\s*`)
)

// Placeholder fragments used in templates and docs, never a real contact
var placeholderFragments = []string{
	"example", "test", "domain", "email", "yoursite", "yourdomain", "sentry", "wixpress",
}

var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".css", ".js"}

// ValidEmail reports whether s is a plausible contact email
func ValidEmail(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if !exactEmailPattern.MatchString(s) {
		return false
	}
	for _, fragment := range placeholderFragments {
		if strings.Contains(s, fragment) {
			return false
		}
	}
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(s, suffix) {
			return false
		}
	}
	return true
}

// FindEmails returns distinct, lower-cased, valid emails from text, in order of appearance
func FindEmails(text string) []string {
	text = obfuscatedDot.ReplaceAllString(obfuscatedAt.ReplaceAllString(text, "@"), ".")
	found := newOrderedSet()
	for _, candidate := range emailPattern.FindAllString(text, -1) {
		candidate = strings.ToLower(strings.Trim(candidate, "."))
		if ValidEmail(candidate) {
			found.add(candidate)
		}
	}
	return found.items()
}

// EmailFromMailto extracts the address of a mailto: link, dropping any ?subject=... query
func EmailFromMailto(href string) string {
	href = strings.TrimSpace(href)
	if len(href) < len("mailto:") || !strings.EqualFold(href[:len("mailto:")], "mailto:") {
		return ""
	}
	addr := href[len("mailto:"):]
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !ValidEmail(addr) {
		return ""
	}
	return addr
}
