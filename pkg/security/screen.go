package security

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxInputSize caps how much of a user message is scanned.
const MaxInputSize = 4 * 1024

// Category names the kind of manipulation an input appears to attempt.
type Category string

const (
	CategoryOverride  Category = "system_override"
	CategoryRole      Category = "role_hijacking"
	CategoryDelimiter Category = "delimiter_injection"
	CategoryJailbreak Category = "jailbreak"
)

// Verdict is the outcome of screening one user message.
type Verdict struct {
	Flagged  bool
	Category Category
	Matched  []string
	// Cleaned is the input with invisible characters removed and
	// whitespace collapsed. It is what callers should forward.
	Cleaned string
}

type screenPattern struct {
	re       *regexp.Regexp
	category Category
	name     string
}

// InputScreen flags player messages that try to steer the character model
// out of the scene rather than talk to it.
type InputScreen struct {
	patterns []screenPattern
}

var whitespaceRun = regexp.MustCompile(`[ \t\r\n]+`)

// NewInputScreen returns a screen with the default pattern set.
func NewInputScreen() *InputScreen {
	return &InputScreen{patterns: []screenPattern{
		{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(the\s+)?(previous|prior|above)\s+instructions?`), CategoryOverride, "ignore previous instructions"},
		{regexp.MustCompile(`(?i)disregard\s+(your\s+|all\s+)?(instructions?|rules)`), CategoryOverride, "disregard instructions"},
		{regexp.MustCompile(`(?i)(reveal|print|show)\s+(me\s+)?(your\s+)?(system\s+prompt|instructions)`), CategoryOverride, "reveal system prompt"},
		{regexp.MustCompile(`(?i)you\s+are\s+(now\s+)?(no\s+longer|not)\s+(a|an|the)?\s*(character|role)`), CategoryRole, "drop character"},
		{regexp.MustCompile(`(?i)(stop|quit)\s+(role-?playing|pretending)`), CategoryRole, "stop roleplay"},
		{regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`), CategoryDelimiter, "role prefix"},
		{regexp.MustCompile(`(?i)<\|?(im_start|im_end|system|endoftext)\|?>`), CategoryDelimiter, "chat template token"},
		{regexp.MustCompile("(?i)```\\s*system"), CategoryDelimiter, "fenced system block"},
		{regexp.MustCompile(`\bDAN\b|(?i:\b(developer\s+mode|jailbreak)\b)`), CategoryJailbreak, "jailbreak keyword"},
	}}
}

// Screen inspects input. It never rejects; callers decide what a flagged
// verdict means.
func (s *InputScreen) Screen(input string) Verdict {
	if len(input) > MaxInputSize {
		input = input[:MaxInputSize]
	}
	cleaned := strings.TrimSpace(whitespaceRun.ReplaceAllString(stripInvisible(input), " "))
	v := Verdict{Cleaned: cleaned}
	for _, p := range s.patterns {
		if p.re.MatchString(cleaned) {
			if !v.Flagged {
				v.Category = p.category
			}
			v.Flagged = true
			v.Matched = append(v.Matched, p.name)
		}
	}
	return v
}

func stripInvisible(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad', '\u2060':
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
