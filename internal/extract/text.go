package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText applies NFKC folding (non-breaking and full-width characters become
// their plain forms) and collapses runs of whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// VisibleText returns the human-readable text of a document with scripts and styles
// removed. Table rows and definition lists are flattened into "label: value" lines so
// that labels stay next to their values.
func VisibleText(doc *goquery.Document) string {
	clone := doc.Clone()
	clone.Find("script, style, noscript, template, svg").Remove()

	var b strings.Builder

	clone.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if text := strings.TrimSpace(cell.Text()); text != "" {
				cells = append(cells, text)
			}
		})
		if len(cells) > 0 {
			b.WriteString(strings.Join(cells, ": "))
			b.WriteString("\n")
		}
	})

	clone.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		b.WriteString(strings.TrimSpace(dt.Text()))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(dd.Text()))
		b.WriteString("\n")
	})

	// Block elements are separated so adjacent words do not merge.
	clone.Find("br, p, div, li, td, th, h1, h2, h3, h4, h5, h6, span, a").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	b.WriteString(clone.Text())

	return NormalizeText(b.String())
}
