// Package security cleans and classifies untrusted message text before it
// reaches storage or the AI pipeline.
//
// Sanitizer removes markup and control characters while keeping the small set
// of formatting tags the chat client renders. ContentValidator reports
// heuristic flags (length, repetition, spam, contact details) and decides
// which of them reject a message outright.
package security

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultSanitizationThreshold is the minimum share of the original text that
// must survive sanitization for a message to be accepted.
const DefaultSanitizationThreshold = 0.8

const (
	placeholderOpen  = '\uE000'
	placeholderClose = '\uE001'
)

var (
	// Paired blocks removed together with their content.
	blockREs = func() []*regexp.Regexp {
		tags := []string{"script", "style", "iframe", "object", "embed", "link", "meta"}
		out := make([]*regexp.Regexp, 0, len(tags))
		for _, t := range tags {
			out = append(out, regexp.MustCompile(`(?is)<\s*`+t+`\b[^>]*>.*?<\s*/\s*`+t+`\s*>`))
		}
		return out
	}()

	protocolRE = regexp.MustCompile(`(?i)(?:javascript|vbscript)\s*:|data\s*:\s*text/(?:html|javascript)`)

	// Formatting tags rendered by the client. Attributes are not allowed, so
	// "<b onclick=...>" is stripped like any other tag and its closing tag is
	// then dropped as unmatched.
	allowedTagRE = regexp.MustCompile(`(?i)<\s*(/?)\s*(b|strong|i|em|u|ins|s|strike|del|code|pre|tg-spoiler)\s*>`)

	anyTagRE       = regexp.MustCompile(`<[^>]*>`)
	placeholderRE  = regexp.MustCompile("\uE000([0-9]+)\uE001")
	spaceRunRE     = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)
	spaceNewlineRE = regexp.MustCompile(` ?\n ?`)
	newlineRunRE   = regexp.MustCompile(`\n{3,}`)
)

// Sanitizer strips unsafe markup from user text. The zero value is ready to
// use and safe for concurrent use.
type Sanitizer struct{}

// Sanitize returns text with dangerous blocks, protocol handlers, control
// characters and all tags except the formatting allow-list removed, and
// whitespace normalized. Passes repeat until the text stops changing, so
// Sanitize(Sanitize(x)) == Sanitize(x). Once the text is in NFC a pass
// never adds runes and only shortens or canonicalizes it, so the loop
// terminates.
func (Sanitizer) Sanitize(text string) string {
	out := sanitizePass(text)
	for {
		next := sanitizePass(out)
		if next == out {
			return out
		}
		out = next
	}
}

// Check sanitizes text and applies the loss guard: ok is false when the clean
// text keeps less than threshold of the original (whitespace-normalized) rune
// count. A threshold <= 0 disables the guard.
func (s Sanitizer) Check(text string, threshold float64) (clean string, ok bool) {
	clean = s.Sanitize(text)
	if threshold <= 0 {
		return clean, true
	}
	base := utf8.RuneCountInString(normalizeSpace(text))
	if base == 0 {
		return clean, true
	}
	kept := utf8.RuneCountInString(clean)
	return clean, float64(kept) >= float64(base)*threshold
}

func sanitizePass(text string) string {
	s := norm.NFC.String(text)
	s = stripControl(s)

	for _, re := range blockREs {
		s = re.ReplaceAllString(s, "")
	}
	s = protocolRE.ReplaceAllString(s, "")

	// protect → strip → restore
	var kept []allowedTag
	s = allowedTagRE.ReplaceAllStringFunc(s, func(m string) string {
		sub := allowedTagRE.FindStringSubmatch(m)
		kept = append(kept, allowedTag{name: strings.ToLower(sub[2]), closing: sub[1] == "/"})
		return string(placeholderOpen) + strconv.Itoa(len(kept)-1) + string(placeholderClose)
	})
	s = anyTagRE.ReplaceAllString(s, "")
	s = strings.NewReplacer("<", "", ">", "").Replace(s)

	balanced := balancedTags(kept, placeholderIndexes(s))
	s = placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		idx, ok := placeholderIndex(m)
		if !ok || idx >= len(kept) || !balanced[idx] {
			return ""
		}
		return kept[idx].String()
	})

	return normalizeSpace(s)
}

type allowedTag struct {
	name    string
	closing bool
}

func (t allowedTag) String() string {
	if t.closing {
		return "</" + t.name + ">"
	}
	return "<" + t.name + ">"
}

func placeholderIndex(m string) (int, bool) {
	idx, err := strconv.Atoi(m[len(string(placeholderOpen)) : len(m)-len(string(placeholderClose))])
	return idx, err == nil && idx >= 0
}

// placeholderIndexes lists the placeholders that survived stripping, in text
// order. A placeholder inside a stripped tag is gone with it.
func placeholderIndexes(s string) []int {
	var out []int
	for _, m := range placeholderRE.FindAllString(s, -1) {
		if idx, ok := placeholderIndex(m); ok {
			out = append(out, idx)
		}
	}
	return out
}

// balancedTags marks the tags that form properly nested open/close pairs.
// Unmatched closers, unclosed openers and crossed pairs are left unmarked
// and dropped, so the output always renders as valid markup.
func balancedTags(kept []allowedTag, order []int) map[int]bool {
	keep := make(map[int]bool, len(order))
	var open []int
	for _, idx := range order {
		if idx >= len(kept) {
			continue
		}
		t := kept[idx]
		if !t.closing {
			open = append(open, idx)
			continue
		}
		if n := len(open); n > 0 && kept[open[n-1]].name == t.name {
			keep[open[n-1]], keep[idx] = true, true
			open = open[:n-1]
		}
	}
	return keep
}

// stripControl drops control and private-use runes. Newlines survive, tabs
// become spaces and carriage returns are folded into newlines.
func stripControl(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteRune(r)
		case r == '\r':
			b.WriteRune('\n')
		case r == '\t':
			b.WriteRune(' ')
		case r == utf8.RuneError, unicode.IsControl(r), unicode.Is(unicode.Co, r):
		case unicode.Is(unicode.Cf, r) && r != '\u200D': // ZWJ joins emoji sequences
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeSpace collapses horizontal whitespace to one space, trims spaces
// around newlines, keeps at most one blank line and trims the ends.
func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRunRE.ReplaceAllString(s, " ")
	s = spaceNewlineRE.ReplaceAllString(s, "\n")
	s = newlineRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
