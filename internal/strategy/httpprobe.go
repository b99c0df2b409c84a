package strategy

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/extract"
)

// NameHTTPProbe is the ladder name of the plain HTTP strategy
const NameHTTPProbe = "http_probe"

// Note values recorded when a site appears to need JavaScript
const (
	NoteJSRequired = "js_required"
)

var contactKeywords = []string{
	"contact", "kontakt", "контакт",
	"about", "o-kompanii", "o_kompanii", "о компании", "о нас",
	"requisite", "rekvizit", "реквизит",
	"company", "компани",
	"legal", "oferta", "оферт",
}

// CommonPaths are probed on every site after the linked contact pages
var CommonPaths = []string{
	"/contacts", "/about", "/requisites", "/company", "/kontakty", "/o-kompanii",
	"/rekvizity", "/legal", "/info", "/about/requisites", "/about/contacts",
	"/pages/requisites", "/about/company",
}

var spaMarkers = []string{`id="root"`, `id="app"`, `id="__next"`, `id="__nuxt"`, "ng-version", "data-reactroot"}

// HTTPProbe fetches the home page, linked contact pages and well-known paths, and
// extracts from the static HTML
type HTTPProbe struct {
	fetcher         *Fetcher
	maxPages        int
	maxContactLinks int
}

// NewHTTPProbe creates the probe strategy
func NewHTTPProbe(fetcher *Fetcher, maxPages, maxContactLinks int) *HTTPProbe {
	if maxPages < 1 {
		maxPages = 15
	}
	if maxContactLinks < 0 {
		maxContactLinks = 5
	}
	return &HTTPProbe{fetcher: fetcher, maxPages: maxPages, maxContactLinks: maxContactLinks}
}

func (p *HTTPProbe) Name() string {
	return NameHTTPProbe
}

// Attempt probes the domain's static pages
func (p *HTTPProbe) Attempt(ctx context.Context, d string) Finding {
	var finding Finding

	home, err := p.fetcher.FetchHome(ctx, d, &finding.URLs)
	if err != nil {
		finding.Err = err
		return finding
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(home.Body))
	if err != nil {
		finding.Err = err
		return finding
	}
	if home.StatusCode < 400 {
		finding.absorb(home.URL, extract.FromDocument(doc, home.HTML()))
	}
	if needsJavaScript(home, doc) {
		finding.Note = NoteJSRequired
	}
	if finding.Complete() {
		return finding
	}

	base, err := url.Parse(home.URL)
	if err != nil {
		finding.Err = err
		return finding
	}

	seen := map[string]bool{canonicalURL(home.URL): true}
	var targets []string
	for _, link := range ContactLinks(doc, base, p.maxContactLinks) {
		key := canonicalURL(link)
		if !seen[key] {
			seen[key] = true
			targets = append(targets, link)
		}
	}
	for _, path := range CommonPaths {
		link := base.ResolveReference(&url.URL{Path: path}).String()
		key := canonicalURL(link)
		if !seen[key] {
			seen[key] = true
			targets = append(targets, link)
		}
	}

	fetched := 1
	for _, target := range targets {
		if fetched >= p.maxPages || ctx.Err() != nil {
			break
		}
		fetched++
		finding.URLs = append(finding.URLs, target)

		page, err := p.fetcher.Fetch(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if page.StatusCode >= 400 {
			continue
		}

		found, err := extract.FromHTML(page.HTML())
		if err != nil {
			continue
		}
		finding.absorb(page.URL, found)
		if finding.Complete() {
			return finding
		}
	}

	if err := ctx.Err(); err != nil && !finding.Complete() {
		finding.Err = err
	}
	return finding
}

// ContactLinks returns up to limit same-site links whose text or href mentions a
// contact or company keyword, in document order
func ContactLinks(doc *goquery.Document, base *url.URL, limit int) []string {
	var links []string
	seen := make(map[string]bool)

	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if len(links) >= limit {
			return false
		}
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") || strings.HasPrefix(href, "javascript:") {
			return true
		}

		haystack := strings.ToLower(href + " " + a.Text())
		if !containsAny(haystack, contactKeywords) {
			return true
		}

		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		host := strings.ToLower(abs.Hostname())
		if !domain.SameSite(host, base.Hostname()) || domain.IsExcluded(host) {
			return true
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}

		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
		return true
	})
	return links
}

// needsJavaScript detects pages whose content only appears after scripts run
func needsJavaScript(page *Page, doc *goquery.Document) bool {
	body := page.HTML()
	if len(page.Body) < 500 {
		return true
	}
	if page.StatusCode == 403 || page.StatusCode == 503 {
		lower := strings.ToLower(body)
		if strings.Contains(lower, "cloudflare") || strings.Contains(lower, "cf-browser-verification") ||
			strings.Contains(lower, "challenge-platform") {
			return true
		}
	}
	if containsAny(body, spaMarkers) {
		return len([]rune(extract.VisibleText(doc))) < 200
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func canonicalURL(raw string) string {
	return strings.TrimSuffix(strings.ToLower(raw), "/")
}
