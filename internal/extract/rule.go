package extract

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/nidhogg/hippocampus/internal/model"
)

// RuleExtractor is the deterministic local extractor. It never fails.
type RuleExtractor struct {
	maxTopics int
}

// NewRuleExtractor creates a rule-based extractor.
func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{maxTopics: 5}
}

func (e *RuleExtractor) Name() string { return "rule" }

var (
	goalMarkers   = []string{"goal", "objective", "aim to", "want to", "plan to", "intend to", "mission"}
	taskMarkers   = []string{"task", "todo", "to-do", "step", "need to", "must", "should", "implement", "fix"}
	actionMarkers = []string{"ran", "opened", "clicked", "sent", "wrote", "called", "started", "finished",
		"deployed", "pushed", "merged", "ate", "walked", "bought", "read"}

	positiveWords = map[string]bool{"good": true, "great": true, "happy": true, "love": true, "success": true,
		"excellent": true, "glad": true, "win": true, "won": true, "nice": true, "enjoyed": true, "fixed": true}
	negativeWords = map[string]bool{"bad": true, "sad": true, "angry": true, "hate": true, "fail": true,
		"failed": true, "failure": true, "error": true, "broken": true, "lost": true, "worried": true, "bug": true}

	stopWords = map[string]bool{"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
		"from": true, "was": true, "were": true, "are": true, "but": true, "not": true, "you": true, "have": true,
		"has": true, "had": true, "then": true, "into": true, "about": true, "will": true, "just": true,
		"want": true, "need": true, "plan": true, "goal": true, "task": true, "todo": true, "some": true}
)

// Extract classifies rec using keyword heuristics.
func (e *RuleExtractor) Extract(_ context.Context, rec model.RawRecord) (*Extraction, error) {
	lower := strings.ToLower(rec.Content)
	return &Extraction{
		Entities:  entities(rec.Content),
		Topics:    topTerms(lower, e.maxTopics),
		Sentiment: classifySentiment(rec, lower),
		Level:     classifyLevel(lower),
		Goal:      goalLabel(rec, lower),
		Source:    e.Name(),
	}, nil
}

func classifyLevel(lower string) model.Level {
	switch {
	case containsAny(lower, goalMarkers):
		return model.LevelGoal
	case containsAny(lower, taskMarkers):
		return model.LevelTask
	case containsAnyWord(lower, actionMarkers):
		return model.LevelAction
	default:
		return model.LevelObservation
	}
}

// goalLabel resolves the goal a record serves: explicit metadata, then a
// hashtag, then a "goal:" prefix. Empty means unclassified.
func goalLabel(rec model.RawRecord, lower string) string {
	if g := strings.TrimSpace(rec.Metadata["goal"]); g != "" {
		return normalizeLabel(g)
	}
	for _, f := range strings.Fields(lower) {
		if strings.HasPrefix(f, "#") && len(f) > 1 {
			return normalizeLabel(f[1:])
		}
	}
	if i := strings.Index(lower, "goal:"); i >= 0 {
		rest := strings.Fields(lower[i+len("goal:"):])
		if len(rest) > 0 {
			return normalizeLabel(rest[0])
		}
	}
	return ""
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func classifySentiment(rec model.RawRecord, lower string) model.Sentiment {
	if rec.Sentiment != "" {
		return rec.SentimentOrDefault()
	}
	var score int
	for _, w := range Tokenize(lower) {
		if positiveWords[w] {
			score++
		}
		if negativeWords[w] {
			score--
		}
	}
	switch {
	case score > 0:
		return model.SentimentPositive
	case score < 0:
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

// entities returns capitalized words that do not start a sentence.
func entities(content string) []string {
	seen := make(map[string]bool)
	var out []string
	sentenceStart := true
	for _, f := range strings.Fields(content) {
		word := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if word != "" && !sentenceStart && unicode.IsUpper([]rune(word)[0]) && !seen[word] {
			seen[word] = true
			out = append(out, word)
		}
		sentenceStart = strings.HasSuffix(f, ".") || strings.HasSuffix(f, "!") || strings.HasSuffix(f, "?")
	}
	return out
}

// topTerms returns the most frequent non-stopword tokens, ties broken alphabetically.
func topTerms(lower string, n int) []string {
	freq := make(map[string]int)
	for _, w := range Tokenize(lower) {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		freq[w]++
	}
	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func containsAnyWord(s string, words []string) bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	for _, tok := range Tokenize(s) {
		if set[tok] {
			return true
		}
	}
	return false
}

// Tokenize splits text into lowercase word tokens of two or more characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
