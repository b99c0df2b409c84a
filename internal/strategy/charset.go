package strategy

import (
	"bytes"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/encoding/htmlindex"
)

// metaPrescanBytes bounds how much of a document is searched for a <meta> charset
const metaPrescanBytes = 4096

// decodeBody converts a page whose encoding is declared only in a <meta> tag to UTF-8.
// colly already converts bodies whose Content-Type names a charset, so those are returned
// unchanged, as are JSON, undeclared, UTF-8 and unknown encodings.
func decodeBody(body []byte, contentType string) []byte {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "charset") || strings.Contains(ct, "json") {
		return body
	}

	name := metaCharset(body)
	if name == "" || name == "utf-8" || name == "utf8" {
		return body
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

// metaCharset returns the charset of <meta charset> or <meta http-equiv="Content-Type">
func metaCharset(body []byte) string {
	head := body
	if len(head) > metaPrescanBytes {
		head = head[:metaPrescanBytes]
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(head))
	if err != nil {
		return ""
	}

	var name string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if cs, ok := s.Attr("charset"); ok && strings.TrimSpace(cs) != "" {
			name = cs
			return false
		}
		if equiv, _ := s.Attr("http-equiv"); strings.EqualFold(strings.TrimSpace(equiv), "content-type") {
			content, _ := s.Attr("content")
			if _, params, err := mime.ParseMediaType(content); err == nil && params["charset"] != "" {
				name = params["charset"]
				return false
			}
		}
		return true
	})
	return strings.ToLower(strings.Trim(strings.TrimSpace(name), `"'`))
}
