package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Findings is what a single page yielded
type Findings struct {
	INNs   []string
	Emails []string
}

// Empty reports whether nothing was found
func (f Findings) Empty() bool {
	return len(f.INNs) == 0 && len(f.Emails) == 0
}

// FromHTML parses an HTML page and extracts INNs and emails from it
func FromHTML(html string) (Findings, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Findings{}, err
	}
	return FromDocument(doc, html), nil
}

// FromDocument extracts INNs and emails from a parsed document. Structured markup
// (meta tags, data attributes, microdata) is consulted before visible text, and
// inline scripts are scanned for INN-valued keys last.
func FromDocument(doc *goquery.Document, rawHTML string) Findings {
	inns := newOrderedSet()
	emails := newOrderedSet()

	doc.Find(`meta[name="inn"], meta[property="inn"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok && ValidINN(CleanINN(content)) {
			inns.add(CleanINN(content))
		}
	})
	doc.Find("[data-inn], [data-company-inn]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"data-inn", "data-company-inn"} {
			if v, ok := s.Attr(attr); ok && ValidINN(CleanINN(v)) {
				inns.add(CleanINN(v))
			}
		}
	})
	doc.Find(`[itemprop="taxID"]`).Each(func(_ int, s *goquery.Selection) {
		value := s.AttrOr("content", s.Text())
		if inn := CleanINN(value); ValidINN(inn) {
			inns.add(inn)
		}
	})

	text := VisibleText(doc)
	inns.add(FindINNs(text)...)

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		inns.add(FindINNsInScript(s.Text())...)
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if addr := EmailFromMailto(s.AttrOr("href", "")); addr != "" {
			emails.add(addr)
		}
	})
	emails.add(FindEmails(text)...)
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		emails.add(FindEmails(s.Text())...)
	})

	if inns.len() == 0 && rawHTML != "" {
		// Some sites render requisites only into attributes or comments
		inns.add(FindINNsInScript(rawHTML)...)
	}

	return Findings{INNs: inns.items(), Emails: emails.items()}
}

// orderedSet keeps first-seen order
type orderedSet struct {
	seen  map[string]bool
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		if v == "" || s.seen[v] {
			continue
		}
		s.seen[v] = true
		s.order = append(s.order, v)
	}
}

func (s *orderedSet) len() int {
	return len(s.order)
}

func (s *orderedSet) items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Merge appends the values of b not already in a, preserving order
func Merge(a, b []string) []string {
	set := newOrderedSet()
	set.add(a...)
	set.add(b...)
	return set.items()
}
