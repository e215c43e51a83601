package feed

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// DeniedAttributes are layout attributes stripped from every element
var DeniedAttributes = []string{"align", "valign", "hspace", "width", "height"}

// HTMLSanitizer removes scripts and unsafe markup, then strips a denylist of attributes
type HTMLSanitizer struct {
	policy   *bluemonday.Policy
	denylist []string
	logger   *slog.Logger
}

func NewHTMLSanitizer(denylist []string, logger *slog.Logger) *HTMLSanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTMLSanitizer{
		policy:   bluemonday.UGCPolicy(),
		denylist: denylist,
		logger:   logger,
	}
}

func (s *HTMLSanitizer) Sanitize(html string) string {
	clean := s.policy.Sanitize(html)
	if len(s.denylist) == 0 || !strings.Contains(clean, "<") {
		return clean
	}

	out, err := editFragment(clean, func(doc *goquery.Document) {
		for _, attr := range s.denylist {
			doc.Find("[" + attr + "]").RemoveAttr(attr)
		}
	})
	if err != nil {
		s.logger.Debug("Failed to strip denied attributes", "error", err)
	}
	return out
}

// editFragment parses an HTML fragment, applies edit and serializes the body back.
// On error the input is returned unchanged alongside it.
func editFragment(html string, edit func(doc *goquery.Document)) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html, fmt.Errorf("failed to parse HTML fragment: %w", err)
	}

	edit(doc)

	out, err := doc.Find("body").Html()
	if err != nil {
		return html, fmt.Errorf("failed to render HTML fragment: %w", err)
	}
	return out, nil
}
