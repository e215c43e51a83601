package feed

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/parser"
)

// MaxEnclosureDescription bounds stored enclosure descriptions, in characters
const MaxEnclosureDescription = 512

// Normalizer turns decoded documents into canonical entries
type Normalizer struct {
	sanitizer Sanitizer
}

func NewNormalizer(sanitizer Sanitizer) *Normalizer {
	return &Normalizer{sanitizer: sanitizer}
}

// Metadata extracts the feed-level fields. JSON Feed text is not sanitized by
// the decoder, so its name and description go through the sanitizer here.
func (n *Normalizer) Metadata(doc *parser.Document) Metadata {
	meta := Metadata{
		Name:        doc.Title,
		SiteURL:     doc.Link,
		ImageURL:    doc.ImageURL,
		Description: doc.Description,
	}
	if doc.Format == parser.FormatJSON {
		meta.Name = n.sanitizer.Sanitize(meta.Name)
		meta.Description = n.sanitizer.Sanitize(meta.Description)
	}
	return meta
}

// Normalize converts every entry of doc. Documents list entries newest first,
// so the result is reversed into oldest-first order.
func (n *Normalizer) Normalize(doc *parser.Document, siteURL string) []Entry {
	entries := make([]Entry, 0, len(doc.Entries))
	for i := len(doc.Entries) - 1; i >= 0; i-- {
		entries = append(entries, n.normalizeEntry(doc.Entries[i], siteURL))
	}
	return entries
}

func (n *Normalizer) normalizeEntry(e parser.Entry, siteURL string) Entry {
	body := n.sanitizer.Sanitize(selectBody(e))
	body = FixRelative(body, siteURL)

	entry := Entry{
		GUID:     MakeGUID(e.ID, e.Link, body),
		Title:    n.sanitizer.Sanitize(e.Title),
		Body:     body,
		Link:     e.Link,
		Author:   e.Author,
		ImageURL: e.ImageURL,
		RawJSON:  e.RawJSON,
	}

	switch {
	case e.Published != nil:
		entry.Created = e.Published
	case e.Updated != nil:
		entry.Created = e.Updated
	}

	entry.Enclosures = declaredEnclosures(e)
	return entry
}

// selectBody takes the longest candidate. Later candidates win ties, except
// content blocks which must be strictly longer and of type text/html.
func selectBody(e parser.Entry) string {
	body := ""
	if len(e.Summary) > len(body) {
		body = e.Summary
	}
	if e.SummaryDetail != "" && len(e.SummaryDetail) >= len(body) {
		body = e.SummaryDetail
	}
	if e.Description != "" && len(e.Description) >= len(body) {
		body = e.Description
	}
	for _, c := range e.Contents {
		if c.Type == "text/html" && len(c.Value) > len(body) {
			body = c.Value
		}
	}
	return body
}

// MakeGUID prefers the entry id, then its link, then an md5 of the body
func MakeGUID(id, link, body string) string {
	if id != "" && len(id) <= database.GUIDMaxLength {
		return id
	}
	if link != "" && len(link) <= database.GUIDMaxLength {
		return link
	}
	return HashBody(body)
}

func HashBody(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}

// FixRelative rewrites protocol-relative and root-relative src/href attributes
// against the site origin. Unparseable input is returned unchanged.
func FixRelative(html, siteURL string) string {
	if !strings.Contains(html, `="/`) && !strings.Contains(html, `='/`) {
		return html
	}

	scheme, base := "http", ""
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		if u.Scheme != "" {
			scheme = u.Scheme
		}
		base = scheme + "://" + u.Host
	}

	out, _ := editFragment(html, func(doc *goquery.Document) {
		for _, attr := range []string{"src", "href"} {
			doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
				v, _ := s.Attr(attr)
				switch {
				case strings.HasPrefix(v, "//"):
					s.SetAttr(attr, scheme+":"+v)
				case strings.HasPrefix(v, "/") && base != "":
					s.SetAttr(attr, base+v)
				}
			})
		}
	})
	return out
}

func declaredEnclosures(e parser.Entry) []Enclosure {
	var out []Enclosure
	seen := make(map[string]bool)

	for _, decl := range e.Enclosures {
		if seen[decl.Href] {
			continue
		}
		seen[decl.Href] = true
		out = append(out, Enclosure{Href: decl.Href, Length: decl.Length, Type: decl.Type})
	}

	for _, m := range e.Media {
		if seen[m.URL] {
			continue
		}
		seen[m.URL] = true
		out = append(out, Enclosure{
			Href:        m.URL,
			Length:      m.FileSize,
			Type:        m.Type,
			Medium:      m.Medium,
			Description: truncateRunes(m.Description, MaxEnclosureDescription),
		})
	}

	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
