// Package domain turns raw query names into the canonical keys used for every
// blocklist and override comparison.
package domain

import "strings"

// Normalize lowercases raw, trims surrounding whitespace and strips a single
// trailing root dot. The result is best-effort: if processing panics, raw is
// returned unchanged.
func Normalize(raw string) (normalized string) {
	defer func() {
		if recover() != nil {
			normalized = raw
		}
	}()

	normalized = strings.TrimSpace(strings.ToLower(raw))
	return strings.TrimSuffix(normalized, ".")
}

// Ancestors returns the proper ancestor suffixes of a normalized domain,
// nearest parent first. The domain itself and its bare top-level label are
// never included, so "a.b.example.com" yields "b.example.com" and
// "example.com".
func Ancestors(d string) []string {
	labels := strings.Split(d, ".")
	if len(labels) < 3 {
		return nil
	}

	out := make([]string, 0, len(labels)-2)
	for i := 1; i < len(labels)-1; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}

// Match reports the first candidate, in lookup order, for which hit returns
// true: d itself, then each of its proper ancestors.
func Match(d string, hit func(candidate string) bool) (string, bool) {
	if d == "" {
		return "", false
	}
	if hit(d) {
		return d, true
	}

	// Walk label boundaries instead of calling Ancestors to keep the hot path
	// allocation free.
	rest := d
	for {
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			return "", false
		}
		rest = rest[dot+1:]
		if !strings.Contains(rest, ".") {
			// Bare TLD.
			return "", false
		}
		if hit(rest) {
			return rest, true
		}
	}
}
