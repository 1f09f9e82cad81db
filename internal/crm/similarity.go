package crm

import (
	"net/url"
	"strings"
)

// NormalizeDomain reduces a domain or URL to its bare lowercase host,
// stripping scheme and a leading www.
func NormalizeDomain(domain string) string {
	if domain == "" {
		return ""
	}
	raw := domain
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(strings.TrimPrefix(domain, "www."))
	}
	host := parsed.Host
	if host == "" {
		host = parsed.Path
	}
	host = strings.ToLower(host)
	return strings.TrimPrefix(host, "www.")
}

// NameSimilarity returns a 0..1 fuzzy similarity between two names,
// case-insensitive, using the Ratcliff/Obershelp ratio.
func NameSimilarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	m := matchingChars(a, b)
	return 2 * float64(m) / float64(len(a)+len(b))
}

// matchingChars counts matched characters: the longest common substring
// plus, recursively, the matches in the pieces to its left and right.
func matchingChars(a, b string) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingChars(a[:ai], b[:bi])
	total += matchingChars(a[ai+size:], b[bi+size:])
	return total
}

func longestCommonSubstring(a, b string) (ai, bi, size int) {
	// prev[j] holds the match length ending at a[i-1], b[j-1]
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > size {
					size = cur[j]
					ai = i - size
					bi = j - size
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, size
}

// HybridScore scores a candidate company against an existing record:
// 60% domain equality, 40% fuzzy name similarity.
func HybridScore(existing, candidate Company) float64 {
	var domainScore float64
	if NormalizeDomain(existing.Domain) == NormalizeDomain(candidate.Domain) && NormalizeDomain(existing.Domain) != "" {
		domainScore = 1
	}
	return 0.6*domainScore + 0.4*NameSimilarity(existing.Name, candidate.Name)
}

// DefaultThreshold is the minimum hybrid score treated as a duplicate.
const DefaultThreshold = 0.8

// IsDuplicate reports whether candidate duplicates existing at the
// default threshold.
func IsDuplicate(existing, candidate Company) bool {
	return HybridScore(existing, candidate) >= DefaultThreshold
}
