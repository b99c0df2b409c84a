package domain

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// regionalSuffixes are city markers some companies append to the second-level label
// (kraska-spb.ru, kraska-ekb.ru) for regional mirrors of the same site.
var regionalSuffixes = []string{"-spb", "-ekb", "-msk", "-nsk"}

// Excluded host patterns (social media, messengers, analytics)
var excludedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(facebook|fb)\.com$`),
	regexp.MustCompile(`(?i)twitter\.com$`),
	regexp.MustCompile(`(?i)instagram\.com$`),
	regexp.MustCompile(`(?i)linkedin\.com$`),
	regexp.MustCompile(`(?i)youtube\.com$`),
	regexp.MustCompile(`(?i)(^|\.)vk\.com$`),
	regexp.MustCompile(`(?i)(^|\.)ok\.ru$`),
	regexp.MustCompile(`(?i)(^|\.)t\.me$`),
	regexp.MustCompile(`(?i)google-analytics\.com$`),
	regexp.MustCompile(`(?i)googletagmanager\.com$`),
	regexp.MustCompile(`(?i)mc\.yandex\.ru$`),
	regexp.MustCompile(`(?i)doubleclick\.net$`),
}

// Normalize reduces a raw domain, hostname or URL to its comparable root domain.
// Example: https://www.Shop.Kraska-SPB.ru:8080/contacts -> kraska.ru
// Returns "" when the input does not contain a usable hostname.
func Normalize(raw string) string {
	host := hostOf(strings.ToLower(strings.TrimSpace(raw)))
	if host == "" {
		return ""
	}

	if strings.Contains(host, "xn--") {
		decoded, err := idna.ToUnicode(host)
		if err != nil {
			return ""
		}
		// Punycode may encode upper-case letters
		host = strings.ToLower(decoded)
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	for _, label := range labels {
		if !validLabel(label) {
			return ""
		}
	}
	if !hasLetter(labels[len(labels)-1]) {
		// IP addresses and numeric garbage
		return ""
	}

	sld := stripRegional(labels[len(labels)-2])
	return sld + "." + labels[len(labels)-1]
}

// Host extracts the lower-cased hostname (subdomain included) from an absolute URL
func Host(rawURL string) string {
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	if !strings.Contains(rawURL, "://") {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
}

// RootDomain keeps the last two labels of a hostname.
// Example: blog.example.com -> example.com
func RootDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1]
	}
	return host
}

// SameSite reports whether two hosts share a root domain once www and subdomains are ignored
func SameSite(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return RootDomain(strings.TrimPrefix(a, "www.")) == RootDomain(strings.TrimPrefix(b, "www."))
}

// IsExcluded checks if a host matches any excluded pattern
func IsExcluded(host string) bool {
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(host) {
			return true
		}
	}
	return false
}

func hostOf(s string) string {
	if s == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(s, "//"):
		s = "http:" + s
	case !strings.Contains(s, "://"):
		s = "http://" + s
	}

	parsed, err := url.Parse(s)
	if err != nil {
		return ""
	}
	// Percent-decoding can reintroduce upper-case letters
	host := strings.ToLower(strings.TrimSuffix(parsed.Hostname(), "."))
	if strings.HasPrefix(host, "www.") && strings.Count(host, ".") > 1 {
		host = strings.TrimPrefix(host, "www.")
	}
	return host
}

func stripRegional(label string) string {
	for {
		stripped := false
		for _, suffix := range regionalSuffixes {
			if strings.HasSuffix(label, suffix) && len(label) > len(suffix) {
				label = strings.TrimSuffix(label, suffix)
				stripped = true
			}
		}
		if !stripped {
			return label
		}
	}
}

func validLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, r := range label {
		if r != '-' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func hasLetter(label string) bool {
	for _, r := range label {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
