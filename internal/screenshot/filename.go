package screenshot

import (
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLen    = 30
	maxFilenameLen = 100
)

var lowerCaser = cases.Lower(language.Und)

// BuildFilename produces the deterministic capture name
// {domain-no-www-no-tld}_{sanitized-title-max-30}_{yyyymmdd_hhmm}.png.
// Minute-grain time keeps names stable within a step; collisions overwrite.
func BuildFilename(pageURL, title string, now time.Time) string {
	parts := []string{}
	if d := domainPart(pageURL); d != "" {
		parts = append(parts, d)
	}
	if t := Sanitize(title, maxTitleLen); t != "" {
		parts = append(parts, t)
	}
	parts = append(parts, now.Format("20060102_1504"))

	name := strings.Join(parts, "_")
	if len(name) > maxFilenameLen {
		name = strings.Trim(name[:maxFilenameLen], "_")
	}
	return name + ".png"
}

// domainPart extracts the host, strips a leading www. and the final TLD
// segment, and sanitizes what remains.
func domainPart(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	host = strings.TrimPrefix(host, "www.")
	if dot := strings.LastIndexByte(host, '.'); dot > 0 {
		host = host[:dot]
	}
	return Sanitize(host, maxTitleLen)
}

// Sanitize folds the string to lowercase ASCII-safe form and replaces
// filesystem-hostile characters: strip combining marks after NFKD
// normalization, replace `< > : " / \ | ? *`, whitespace, and control
// characters with underscores, collapse runs, trim the ends, and cap the
// length.
func Sanitize(s string, maxLen int) string {
	s = lowerCaser.String(norm.NFKD.String(s))

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from NFKD decomposition.
			continue
		case r < 0x20 || r == 0x7f,
			strings.ContainsRune(`<>:"/\|?*`, r),
			unicode.IsSpace(r):
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case r > unicode.MaxASCII:
			// Non-ASCII survivors of normalization are dropped rather than
			// percent-encoded; filenames stay portable.
			continue
		default:
			b.WriteRune(r)
			lastUnderscore = false
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > maxLen {
		out = strings.Trim(out[:maxLen], "_")
	}
	return out
}
