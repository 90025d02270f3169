package firehose

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
)

var spamPhrases = []string{
	"onlyfans.com",
	"join my vip",
	"subscribe to my",
	"check my profile",
	"check my bio",
	"link in bio",
	"link in profile",
	"follow me",
	"follow back",
	"follow for follow",
	"f4f",
	"porn",
	"xxx",
	"nsfw",
	"18+",
}

const (
	maxEmoji    = 8
	maxHashtags = 5
	maxMentions = 5
)

// Filter decides which posts from the stream are worth storing
type Filter struct {
	// Language tags to keep, empty keeps every post
	Languages []string
	MinWords  int
}

// Reason returns why a post is rejected, or an empty string when it is kept
func (f Filter) Reason(text string, langs []string) string {
	switch {
	case len(strings.Fields(text)) < f.MinWords:
		return "too_short"
	case len(f.Languages) > 0 && !lo.Some(langs, f.Languages):
		return "language"
	case !HasEnoughLetters(text):
		return "symbols"
	case ContainsRepetitivePattern(text):
		return "repetitive"
	case ContainsSpamContent(text):
		return "spam"
	}
	return ""
}

// HasEnoughLetters reports whether more than 30% of the runes in text are letters
func HasEnoughLetters(text string) bool {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return false
	}
	letters := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return float64(letters)/float64(total) > 0.30
}

// symbols splits text into user perceived characters, keeping combining
// marks, zero width joiners and variation selectors with their base rune
func symbols(text string) []string {
	var out []string
	for _, r := range text {
		if r == utf8.RuneError {
			continue
		}
		if len(out) > 0 && (unicode.Is(unicode.Mn, r) || r == '\u200d' || r == '\ufe0f') {
			out[len(out)-1] += string(r)
			continue
		}
		if len(out) > 0 && strings.HasSuffix(out[len(out)-1], "\u200d") {
			out[len(out)-1] += string(r)
			continue
		}
		out = append(out, string(r))
	}
	return out
}

// ContainsRepetitivePattern detects runs of the same symbol and short
// sequences repeated back to back, ignoring case and spaces
func ContainsRepetitivePattern(text string) bool {
	text = strings.ReplaceAll(strings.ToLower(text), " ", "")
	chars := symbols(text)
	if len(chars) < 4 {
		return false
	}

	run := 1
	for i := 1; i < len(chars); i++ {
		if chars[i] != chars[i-1] {
			run = 1
			continue
		}
		if run++; run >= 4 {
			return true
		}
	}

	for size := 2; size <= 8; size++ {
		// Longer sequences only need to appear twice
		minRepeats := 4
		if size >= 4 {
			minRepeats = 2
		}
		for start := 0; start+size*minRepeats <= len(chars); start++ {
			repeats := 1
			for next := start + size; next+size <= len(chars) && equalSymbols(chars[start:start+size], chars[next:next+size]); next += size {
				if repeats++; repeats >= minRepeats {
					return true
				}
			}
		}
	}
	return false
}

func equalSymbols(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ContainsSpamContent flags promotional phrases, adult terms and posts made
// mostly of emoji, hashtags or mentions
func ContainsSpamContent(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range spamPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	emoji := 0
	for _, r := range text {
		// Start of the pictograph blocks
		if r >= 0x1F300 {
			if emoji++; emoji > maxEmoji {
				return true
			}
		}
	}

	hashtags := strings.Count(text, "#")
	mentions := strings.Count(text, "@")
	if hashtags > maxHashtags || mentions > maxMentions {
		return true
	}
	if strings.Contains(text, "##") || strings.Contains(text, "@@") {
		return true
	}

	if words := strings.Fields(text); len(words) > 0 {
		return float64(hashtags+mentions)/float64(len(words)) > 0.5
	}
	return false
}
