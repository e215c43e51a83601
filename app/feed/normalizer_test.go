package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/rss-warden/app/parser"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NewHTMLSanitizer(DeniedAttributes, nil))
}

func TestSanitizerStripsScriptsAndLayoutAttributes(t *testing.T) {
	s := NewHTMLSanitizer(DeniedAttributes, nil)

	out := s.Sanitize(`<p align="center">Hello<script>alert(1)</script></p><table><tr><td valign="top" width="10">cell</td></tr></table>`)

	if strings.Contains(out, "script") || strings.Contains(out, "alert") {
		t.Errorf("Expected script to be removed, got '%s'", out)
	}
	for _, attr := range DeniedAttributes {
		if strings.Contains(out, attr+"=") {
			t.Errorf("Expected attribute %s to be removed, got '%s'", attr, out)
		}
	}
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "cell") {
		t.Errorf("Expected text content to survive, got '%s'", out)
	}
}

func TestSelectBodyLongestWins(t *testing.T) {
	tests := []struct {
		name     string
		entry    parser.Entry
		expected string
	}{
		{
			name:     "summary only",
			entry:    parser.Entry{Summary: "short"},
			expected: "short",
		},
		{
			name:     "description wins ties",
			entry:    parser.Entry{Summary: "aaaa", Description: "bbbb"},
			expected: "bbbb",
		},
		{
			name: "html content must be longer",
			entry: parser.Entry{
				Summary:  "aaaa",
				Contents: []parser.Content{{Type: "text/html", Value: "cccc"}},
			},
			expected: "aaaa",
		},
		{
			name: "longer html content wins",
			entry: parser.Entry{
				Summary:  "aaaa",
				Contents: []parser.Content{{Type: "text/plain", Value: "plain text body"}, {Type: "text/html", Value: "<p>html body</p>"}},
			},
			expected: "<p>html body</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectBody(tt.entry); got != tt.expected {
				t.Errorf("Expected body '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestMakeGUID(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("x", 800)

	if got := MakeGUID("id-1", "https://example.com/1", "body"); got != "id-1" {
		t.Errorf("Expected id to win, got '%s'", got)
	}
	if got := MakeGUID(long, "https://example.com/1", "body"); got != "https://example.com/1" {
		t.Errorf("Expected link when id is too long, got '%s'", got)
	}
	if got := MakeGUID("", long, "body"); got != HashBody("body") {
		t.Errorf("Expected body hash when link is too long, got '%s'", got)
	}
}

func TestNormalizeHashesLongBodyWithoutIdentity(t *testing.T) {
	body := strings.Repeat("a", 900)
	doc := &parser.Document{Entries: []parser.Entry{{Summary: body}}}

	entries := newTestNormalizer().Normalize(doc, "https://example.com")
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}

	guid := entries[0].GUID
	if guid != HashBody(body) {
		t.Errorf("Expected GUID to be the body hash, got '%s'", guid)
	}
	if len(guid) != 32 || guid == body {
		t.Errorf("Expected 32 character hex digest, got %d characters", len(guid))
	}
}

func TestNormalizeOrderAndCreated(t *testing.T) {
	published := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	doc := &parser.Document{Entries: []parser.Entry{
		{ID: "newest", Updated: &updated},
		{ID: "oldest", Published: &published, Updated: &updated},
		{ID: "undated"},
	}}

	entries := newTestNormalizer().Normalize(doc, "")

	if entries[0].GUID != "undated" || entries[2].GUID != "newest" {
		t.Errorf("Expected entries in reverse document order, got %s, %s, %s", entries[0].GUID, entries[1].GUID, entries[2].GUID)
	}
	if entries[0].Created != nil {
		t.Errorf("Expected undated entry to have no created time, got %v", entries[0].Created)
	}
	if !entries[1].Created.Equal(published) {
		t.Errorf("Expected published time to win, got %v", entries[1].Created)
	}
	if !entries[2].Created.Equal(updated) {
		t.Errorf("Expected updated time as fallback, got %v", entries[2].Created)
	}
}

func TestFixRelative(t *testing.T) {
	html := `<p><a href="/post/1">one</a><img src="//cdn.example.com/a.png"/><a href="https://other.com/x">x</a></p>`

	out := FixRelative(html, "https://example.com/blog/")

	if !strings.Contains(out, `href="https://example.com/post/1"`) {
		t.Errorf("Expected root-relative link to be resolved, got '%s'", out)
	}
	if !strings.Contains(out, `src="https://cdn.example.com/a.png"`) {
		t.Errorf("Expected protocol-relative src to take the site scheme, got '%s'", out)
	}
	if !strings.Contains(out, `href="https://other.com/x"`) {
		t.Errorf("Expected absolute link to be unchanged, got '%s'", out)
	}

	out = FixRelative(`<img src="//cdn.example.com/a.png"/>`, "")
	if !strings.Contains(out, `src="http://cdn.example.com/a.png"`) {
		t.Errorf("Expected http default without a site URL, got '%s'", out)
	}
}

func TestDeclaredEnclosuresMergesMedia(t *testing.T) {
	size := int64(10)
	e := parser.Entry{
		Enclosures: []parser.EnclosureDecl{{Href: "https://example.com/a.mp3", Type: "audio/mpeg"}},
		Media: []parser.MediaDecl{
			{URL: "https://example.com/a.mp3", Medium: "audio"},
			{URL: "https://example.com/b.jpg", Medium: "image", FileSize: &size, Description: strings.Repeat("d", 600)},
		},
	}

	encs := declaredEnclosures(e)
	if len(encs) != 2 {
		t.Fatalf("Expected 2 enclosures, got %d", len(encs))
	}
	if encs[0].Medium != "" {
		t.Errorf("Expected explicit enclosure to keep its own fields, got medium '%s'", encs[0].Medium)
	}
	if encs[1].Length == nil || *encs[1].Length != 10 {
		t.Errorf("Expected media file size 10, got %v", encs[1].Length)
	}
	if len(encs[1].Description) != MaxEnclosureDescription {
		t.Errorf("Expected description truncated to %d, got %d", MaxEnclosureDescription, len(encs[1].Description))
	}
}

func TestMetadataSanitizesJSONFeeds(t *testing.T) {
	doc := &parser.Document{Format: parser.FormatJSON, Title: `Feed<script>x()</script>`, Link: "https://example.net/"}

	meta := newTestNormalizer().Metadata(doc)
	if meta.Name != "Feed" {
		t.Errorf("Expected sanitized name 'Feed', got '%s'", meta.Name)
	}
	if meta.SiteURL != "https://example.net/" {
		t.Errorf("Expected site URL 'https://example.net/', got '%s'", meta.SiteURL)
	}
}
