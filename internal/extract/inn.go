// Package extract finds tax identifiers (INN) and contact emails in page text,
// HTML documents and embedded JSON.
package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	innWeights10 = []int{2, 4, 10, 3, 5, 9, 4, 6, 8}
	innWeights11 = []int{7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
	innWeights12 = []int{3, 7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
)

// innContextRunes is how far before a bare number an INN label may appear
const innContextRunes = 30

var (
	// ИНН 7707083893, INN: 7707-083-893, ИНН/КПП: 7707083893/773601001
	labelledINNPattern = regexp.MustCompile(`(?i)(?:ИНН|INN)(?:\s*/\s*(?:КПП|KPP))?\s*[:№#.]?\s*((?:\d[\s-]?){9,11}\d)`)
	bareNumberPattern  = regexp.MustCompile(`\b(\d{12}|\d{10})\b`)
	innLabelPattern    = regexp.MustCompile(`(?i)(ИНН|\bINN\b)`)
	phoneWordPattern   = regexp.MustCompile(`(?i)(тел|tel|phone)`)
	jsonINNPattern     = regexp.MustCompile(`(?i)["']?(?:inn|taxid|tax_id)["']?\s*[:=]\s*["']?(\d{12}|\d{10})["']?`)
	innSeparators      = strings.NewReplacer(" ", "", "-", "", "\u00a0", "")
)

// ValidINN reports whether s is a 10-digit (legal entity) or 12-digit (individual)
// INN with correct check digits.
func ValidINN(s string) bool {
	if len(s) != 10 && len(s) != 12 {
		return false
	}
	digits := make([]int, len(s))
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		digits[i] = int(r - '0')
	}

	if len(digits) == 10 {
		return checkDigit(digits[:9], innWeights10) == digits[9]
	}
	return checkDigit(digits[:10], innWeights11) == digits[10] &&
		checkDigit(digits[:11], innWeights12) == digits[11]
}

func checkDigit(digits, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += digits[i] * w
	}
	return sum % 11 % 10
}

// CleanINN strips the separators people put inside an INN ("7707 083 893", "7707-083-893")
func CleanINN(s string) string {
	return innSeparators.Replace(strings.TrimSpace(s))
}

// FindINNs returns the distinct checksum-valid INNs found in plain text, in order of appearance.
func FindINNs(text string) []string {
	text = NormalizeText(text)
	found := newOrderedSet()

	for _, m := range labelledINNPattern.FindAllStringSubmatch(text, -1) {
		if inn := firstValidPrefix(CleanINN(m[1])); inn != "" {
			found.add(inn)
		}
	}

	for _, loc := range bareNumberPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2], loc[3]
		candidate := text[start:end]
		if !ValidINN(candidate) {
			continue
		}
		window := runeWindowBefore(text, start, innContextRunes)
		if !innLabelPattern.MatchString(window) {
			continue
		}
		if looksLikePhone(text, start, candidate, window) {
			continue
		}
		found.add(candidate)
	}

	return found.items()
}

// FindINNsInScript looks for INN-valued keys in JavaScript or JSON source
func FindINNsInScript(src string) []string {
	found := newOrderedSet()
	for _, m := range jsonINNPattern.FindAllStringSubmatch(src, -1) {
		if ValidINN(m[1]) {
			found.add(m[1])
		}
	}
	return found.items()
}

// firstValidPrefix handles greedy matches that swallowed a following number:
// a 12-digit INN is preferred, otherwise the leading 10 digits are tried.
func firstValidPrefix(digits string) string {
	if len(digits) >= 12 && ValidINN(digits[:12]) {
		return digits[:12]
	}
	if len(digits) >= 10 && ValidINN(digits[:10]) {
		return digits[:10]
	}
	return ""
}

func runeWindowBefore(text string, pos, n int) string {
	start := pos
	for i := 0; i < n && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:start])
		start -= size
	}
	return text[start:pos]
}

// looksLikePhone rejects numbers written as phones (+7 9161234567, тел. 79161234567)
func looksLikePhone(text string, start int, candidate, window string) bool {
	prefix := strings.TrimRight(text[:start], " (")
	if strings.HasSuffix(prefix, "+") || strings.HasSuffix(prefix, "+7") {
		return true
	}
	return len(candidate) == 12 && strings.HasPrefix(candidate, "79") && phoneWordPattern.MatchString(window)
}
