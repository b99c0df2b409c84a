package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alvmarrod/domain-enricher/internal/domain"
	"github.com/alvmarrod/domain-enricher/internal/extract"
)

// NameAPISniff is the ladder name of the embedded-data strategy
const NameAPISniff = "api_sniff"

const (
	maxLinkedScripts = 3
	maxEndpoints     = 5
)

var (
	nuxtStatePattern = regexp.MustCompile(`(?s)window\.__NUXT__\s*=\s*(\{.*\})\s*;?\s*$`)
	endpointPattern  = regexp.MustCompile(`["'\x60]((?:https?://[^"'\x60\s]+)?/[A-Za-z0-9_\-./?=&%]*(?i:contact|company|requisite|rekvizit|about|info|organi[sz]ation)[A-Za-z0-9_\-./?=&%]*)["'\x60]`)
	assetSuffixes    = []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".gif", ".webp", ".ico", ".woff", ".woff2"}
	innKeys          = map[string]bool{"inn": true, "taxid": true, "tax_id": true}
)

// APISniff looks for the data a JavaScript front end is built from: hydration state,
// JSON-LD blocks and the JSON endpoints its scripts call
type APISniff struct {
	fetcher *Fetcher
}

// NewAPISniff creates the sniffing strategy
func NewAPISniff(fetcher *Fetcher) *APISniff {
	return &APISniff{fetcher: fetcher}
}

func (s *APISniff) Name() string {
	return NameAPISniff
}

// Attempt inspects the home page's embedded data and discovered JSON endpoints
func (s *APISniff) Attempt(ctx context.Context, d string) Finding {
	var finding Finding

	home, err := s.fetcher.FetchHome(ctx, d, &finding.URLs)
	if err != nil {
		finding.Err = err
		return finding
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(home.Body))
	if err != nil {
		finding.Err = err
		return finding
	}
	base, err := url.Parse(home.URL)
	if err != nil {
		finding.Err = err
		return finding
	}

	finding.absorb(home.URL, EmbeddedData(doc))
	if finding.Complete() {
		return finding
	}

	var sources []string
	doc.Find("script:not([src])").Each(func(_ int, sel *goquery.Selection) {
		sources = append(sources, sel.Text())
	})
	for _, scriptURL := range linkedScripts(doc, base) {
		if ctx.Err() != nil {
			break
		}
		finding.URLs = append(finding.URLs, scriptURL)
		page, err := s.fetcher.Fetch(ctx, scriptURL)
		if err != nil || page.StatusCode >= 400 {
			continue
		}
		sources = append(sources, page.HTML())
	}

	for _, endpoint := range DiscoverEndpoints(base, sources...) {
		if ctx.Err() != nil {
			break
		}
		finding.URLs = append(finding.URLs, endpoint)
		page, err := s.fetcher.Fetch(ctx, endpoint)
		if err != nil || page.StatusCode >= 400 || !page.IsJSON() {
			continue
		}
		found, err := FromJSON(page.Body)
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

// EmbeddedData extracts from __NEXT_DATA__, window.__NUXT__ and JSON-LD blocks
func EmbeddedData(doc *goquery.Document) extract.Findings {
	var result extract.Findings
	add := func(f extract.Findings) {
		result.INNs = extract.Merge(result.INNs, f.INNs)
		result.Emails = extract.Merge(result.Emails, f.Emails)
	}

	doc.Find(`script#__NEXT_DATA__, script[type="application/ld+json"], script[type="application/json"]`).Each(func(_ int, sel *goquery.Selection) {
		if found, err := FromJSON([]byte(sel.Text())); err == nil {
			add(found)
		}
	})

	doc.Find("script:not([src])").Each(func(_ int, sel *goquery.Selection) {
		src := sel.Text()
		if !strings.Contains(src, "__NUXT__") {
			return
		}
		if m := nuxtStatePattern.FindStringSubmatch(strings.TrimSpace(src)); m != nil {
			if found, err := FromJSON([]byte(m[1])); err == nil {
				add(found)
				return
			}
		}
		// Nuxt often serializes state as a function call; fall back to key scanning
		add(extract.Findings{INNs: extract.FindINNsInScript(src), Emails: extract.FindEmails(src)})
	})
	return result
}

// DiscoverEndpoints finds same-site URLs in script sources whose path mentions a
// contact or company keyword
func DiscoverEndpoints(base *url.URL, sources ...string) []string {
	var endpoints []string
	seen := make(map[string]bool)

	for _, src := range sources {
		for _, m := range endpointPattern.FindAllStringSubmatch(src, -1) {
			if len(endpoints) >= maxEndpoints {
				return endpoints
			}
			ref, err := url.Parse(m[1])
			if err != nil {
				continue
			}
			abs := base.ResolveReference(ref)
			if !domain.SameSite(abs.Hostname(), base.Hostname()) {
				continue
			}
			lowerPath := strings.ToLower(abs.Path)
			if hasAnySuffix(lowerPath, assetSuffixes) {
				continue
			}
			link := abs.String()
			if !seen[link] {
				seen[link] = true
				endpoints = append(endpoints, link)
			}
		}
	}
	return endpoints
}

// FromJSON walks a JSON document collecting values under INN keys and email-looking strings
func FromJSON(data []byte) (extract.Findings, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return extract.Findings{}, err
	}

	var inns, emails []string
	walkJSON(v, func(key string, value interface{}) {
		var s string
		switch tv := value.(type) {
		case string:
			s = tv
		case json.Number:
			s = tv.String()
		default:
			return
		}

		if innKeys[strings.ToLower(key)] {
			if inn := extract.CleanINN(s); extract.ValidINN(inn) {
				inns = extract.Merge(inns, []string{inn})
			}
			return
		}
		if strings.Contains(s, "@") {
			emails = extract.Merge(emails, extract.FindEmails(s))
		}
		if strings.Contains(s, "ИНН") || strings.Contains(s, "INN") {
			inns = extract.Merge(inns, extract.FindINNs(s))
		}
	})
	return extract.Findings{INNs: inns, Emails: emails}, nil
}

func walkJSON(v interface{}, visit func(key string, value interface{})) {
	var walk func(key string, v interface{})
	walk = func(key string, v interface{}) {
		switch tv := v.(type) {
		case map[string]interface{}:
			for k, child := range tv {
				walk(k, child)
			}
		case []interface{}:
			for _, child := range tv {
				walk(key, child)
			}
		default:
			visit(key, tv)
		}
	}
	walk("", v)
}

func linkedScripts(doc *goquery.Document, base *url.URL) []string {
	var scripts []string
	doc.Find("script[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(scripts) >= maxLinkedScripts {
			return false
		}
		ref, err := url.Parse(strings.TrimSpace(sel.AttrOr("src", "")))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if domain.SameSite(abs.Hostname(), base.Hostname()) {
			scripts = append(scripts, abs.String())
		}
		return true
	})
	return scripts
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}
