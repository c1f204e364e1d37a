package vectorstore

import (
	"strings"
	"unicode"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
)

// Metadata keys stored alongside each indexed card.
const (
	metaFailureID = "failure_id"
	metaSubsystem = "subsystem"
	metaStatus    = "status"
	metaTitle     = "title"
)

// cardContent is the text embedded for a card. Error codes and keywords are
// appended so hybrid scoring can see them in the stored content.
func cardContent(c *failure.Card) string {
	parts := []string{c.Title, c.Description, c.SymptomText, c.RootCause}
	if len(c.ErrorCodes) > 0 {
		parts = append(parts, strings.Join(c.ErrorCodes, " "))
	}
	if len(c.Keywords) > 0 {
		parts = append(parts, strings.Join(c.Keywords, " "))
	}

	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func cardMetadata(c *failure.Card) map[string]string {
	return map[string]string{
		metaFailureID: c.FailureID,
		metaSubsystem: string(c.Subsystem),
		metaStatus:    string(c.Status),
		metaTitle:     c.Title,
	}
}

// keywordOverlap is the fraction of query terms present in content.
func keywordOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(content), isSeparator) {
		tokens[tok] = true
	}
	hit := 0
	for _, t := range terms {
		if tokens[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
