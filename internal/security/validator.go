package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Flag is a single finding reported by ContentValidator.
type Flag string

const (
	FlagEmpty             Flag = "EMPTY_MESSAGE"
	FlagLong              Flag = "LONG_MESSAGE"
	FlagVeryLong          Flag = "VERY_LONG_MESSAGE"
	FlagRepetitive        Flag = "REPETITIVE_CONTENT"
	FlagSuspiciousSymbols Flag = "SUSPICIOUS_SYMBOLS"
	FlagURL               Flag = "CONTAINS_URL"
	FlagEmail             Flag = "CONTAINS_EMAIL"
	FlagPhone             Flag = "CONTAINS_PHONE"
	FlagSpam              Flag = "POTENTIAL_SPAM"
	FlagUnsafe            Flag = "UNSAFE_CONTENT"
)

// Rejecting reports whether f alone makes a message invalid. All other flags
// are advisory.
func (f Flag) Rejecting() bool {
	return f == FlagEmpty || f == FlagLong || f == FlagUnsafe
}

// DefaultLengthLimit is the message length limit in runes used when callers
// pass a non-positive limit.
const DefaultLengthLimit = 2500

// Thresholds holds the heuristic constants of ContentValidator. They have no
// derivation beyond "few false positives on short replies" and are exposed so
// deployments can tune them.
type Thresholds struct {
	CharRepetitionRatio float64 // single non-space rune share, default 0.6
	WordRepetitionRatio float64 // single word share, default 0.7
	MinRepetitionRunes  int     // char check only above this length, default 20
	MinRepetitionWords  int     // word check only above this word count, default 5
	MinRepeatedWordLen  int     // repeated word must be longer than this, default 3
	CapsMinRunes        int     // all-caps check only above this length, default 20
	PunctuationRatio    float64 // '!' or '?' share, default 0.2
	PunctuationMinRunes int     // punctuation check only above this length, default 10
	VeryLongFactor      int     // VERY_LONG_MESSAGE above limit*factor, default 2
}

// DefaultThresholds returns the stock heuristics.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CharRepetitionRatio: 0.6,
		WordRepetitionRatio: 0.7,
		MinRepetitionRunes:  20,
		MinRepetitionWords:  5,
		MinRepeatedWordLen:  3,
		CapsMinRunes:        20,
		PunctuationRatio:    0.2,
		PunctuationMinRunes: 10,
		VeryLongFactor:      2,
	}
}

var (
	suspiciousSymbolsRE = regexp.MustCompile("[<>`|]")
	urlRE               = regexp.MustCompile(`(?i)\b(?:https?|ftp|file)://\S+|\bwww\.[a-z0-9-]+\.[a-z]{2,}\S*`)
	emailRE             = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneCandidateRE    = regexp.MustCompile(`\+?\(?\d[\d ().\-]{5,20}\d`)
)

const minPhoneDigits = 7

// Result is the outcome of ContentValidator.Validate. It is a value, never an
// error: callers branch on Valid and inspect Flags.
type Result struct {
	Valid     bool   `json:"valid"`
	Flags     []Flag `json:"flags,omitempty"`
	Sanitized string `json:"-"`
	Length    int    `json:"length"`
	Score     int    `json:"score"`
}

// Has reports whether f was raised.
func (r Result) Has(f Flag) bool {
	for _, x := range r.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// ContentValidator classifies message text. Construct with NewContentValidator
// or fill the fields directly; zero Thresholds fall back to defaults.
type ContentValidator struct {
	Sanitizer             Sanitizer
	Thresholds            Thresholds
	SanitizationThreshold float64
	Log                   *zerolog.Logger
}

// NewContentValidator returns a validator with default heuristics and the
// given loss-guard threshold.
func NewContentValidator(sanitizationThreshold float64) *ContentValidator {
	return &ContentValidator{
		Thresholds:            DefaultThresholds(),
		SanitizationThreshold: sanitizationThreshold,
	}
}

// Validate inspects text against a rune length limit (non-positive means
// DefaultLengthLimit). The message is invalid when it is empty, longer than
// limit or loses too much to sanitization; every other flag is advisory and
// logged for security monitoring.
func (v *ContentValidator) Validate(text string, limit int) Result {
	th := v.thresholds()
	if limit <= 0 {
		limit = DefaultLengthLimit
	}

	n := utf8.RuneCountInString(text)
	res := Result{Length: n}

	if strings.TrimSpace(text) == "" {
		res.Flags = append(res.Flags, FlagEmpty)
		res.Score = score(res.Flags)
		return res
	}

	if n > limit {
		res.Flags = append(res.Flags, FlagLong)
	}
	if n > limit*th.VeryLongFactor {
		res.Flags = append(res.Flags, FlagVeryLong)
	}
	if isRepetitive(text, th) {
		res.Flags = append(res.Flags, FlagRepetitive)
	}
	if suspiciousSymbolsRE.MatchString(text) {
		res.Flags = append(res.Flags, FlagSuspiciousSymbols)
	}
	if urlRE.MatchString(text) {
		res.Flags = append(res.Flags, FlagURL)
	}
	if emailRE.MatchString(text) {
		res.Flags = append(res.Flags, FlagEmail)
	}
	if hasPhone(text) {
		res.Flags = append(res.Flags, FlagPhone)
	}
	if isSpam(text, th) {
		res.Flags = append(res.Flags, FlagSpam)
	}

	clean, ok := v.Sanitizer.Check(text, v.SanitizationThreshold)
	res.Sanitized = clean
	if !ok || clean == "" {
		res.Flags = append(res.Flags, FlagUnsafe)
	}

	res.Valid = true
	for _, f := range res.Flags {
		if f.Rejecting() {
			res.Valid = false
			break
		}
	}
	res.Score = score(res.Flags)

	if len(res.Flags) > 0 {
		lg := v.logger()
		lg.Warn().
			Strs("flags", flagStrings(res.Flags)).
			Int("length", n).
			Bool("valid", res.Valid).
			Str("preview", Preview(text, 80)).
			Msg("content flagged")
	}
	return res
}

func (v *ContentValidator) thresholds() Thresholds {
	th := v.Thresholds
	def := DefaultThresholds()
	if th.CharRepetitionRatio <= 0 {
		th.CharRepetitionRatio = def.CharRepetitionRatio
	}
	if th.WordRepetitionRatio <= 0 {
		th.WordRepetitionRatio = def.WordRepetitionRatio
	}
	if th.MinRepetitionRunes <= 0 {
		th.MinRepetitionRunes = def.MinRepetitionRunes
	}
	if th.MinRepetitionWords <= 0 {
		th.MinRepetitionWords = def.MinRepetitionWords
	}
	if th.MinRepeatedWordLen <= 0 {
		th.MinRepeatedWordLen = def.MinRepeatedWordLen
	}
	if th.CapsMinRunes <= 0 {
		th.CapsMinRunes = def.CapsMinRunes
	}
	if th.PunctuationRatio <= 0 {
		th.PunctuationRatio = def.PunctuationRatio
	}
	if th.PunctuationMinRunes <= 0 {
		th.PunctuationMinRunes = def.PunctuationMinRunes
	}
	if th.VeryLongFactor <= 1 {
		th.VeryLongFactor = def.VeryLongFactor
	}
	return th
}

func (v *ContentValidator) logger() *zerolog.Logger {
	if v.Log != nil {
		return v.Log
	}
	return &log.Logger
}

func isRepetitive(text string, th Thresholds) bool {
	runes := []rune(text)
	if len(runes) > th.MinRepetitionRunes {
		counts := make(map[rune]int)
		for _, r := range runes {
			if !unicode.IsSpace(r) {
				counts[r]++
			}
		}
		for _, c := range counts {
			if float64(c)/float64(len(runes)) > th.CharRepetitionRatio {
				return true
			}
		}
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) > th.MinRepetitionWords {
		counts := make(map[string]int, len(words))
		for _, w := range words {
			counts[w]++
		}
		for w, c := range counts {
			if float64(c)/float64(len(words)) > th.WordRepetitionRatio && utf8.RuneCountInString(w) > th.MinRepeatedWordLen {
				return true
			}
		}
	}
	return false
}

func isSpam(text string, th Thresholds) bool {
	n := utf8.RuneCountInString(text)
	if n > th.CapsMinRunes && isAllCaps(text) {
		return true
	}
	if n > th.PunctuationMinRunes {
		limit := float64(n) * th.PunctuationRatio
		if float64(strings.Count(text, "!")) > limit || float64(strings.Count(text, "?")) > limit {
			return true
		}
	}
	return false
}

// isAllCaps mirrors "has cased letters and none are lower case".
func isAllCaps(text string) bool {
	cased := false
	for _, r := range text {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

func hasPhone(text string) bool {
	for _, m := range phoneCandidateRE.FindAllString(text, -1) {
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= minPhoneDigits {
			return true
		}
	}
	return false
}

var flagWeights = map[Flag]int{
	FlagEmpty:             0,
	FlagLong:              10,
	FlagVeryLong:          20,
	FlagRepetitive:        15,
	FlagSuspiciousSymbols: 10,
	FlagURL:               5,
	FlagEmail:             5,
	FlagPhone:             5,
	FlagSpam:              20,
	FlagUnsafe:            40,
}

// score maps flags to a 0..100 trust score, 100 meaning nothing suspicious.
func score(flags []Flag) int {
	s := 100
	for _, f := range flags {
		s -= flagWeights[f]
	}
	if s < 0 {
		return 0
	}
	return s
}

func flagStrings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
