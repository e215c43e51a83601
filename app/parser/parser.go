package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
)

var (
	ErrUnknownFormat = errors.New("unknown feed type")
	ErrEmpty         = errors.New("feed is empty")
	ErrParse         = errors.New("feed parse error")
)

// Parser decodes raw feed bodies into Documents
type Parser struct {
	gofeedParser *gofeed.Parser
	saveRaw      bool
}

// NewParser creates a new feed parser. With saveRaw set every Document and
// Entry carries a JSON rendition of the decoded source for auditing.
func NewParser(saveRaw bool) *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
		saveRaw:      saveRaw,
	}
}

// Sniff picks the wire format from the content type, then from the first
// significant byte of the body
func Sniff(body []byte, contentType string) (Format, bool) {
	lead := bytes.TrimLeft(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), " \t\r\n")

	switch {
	case strings.Contains(contentType, "xml") || bytes.HasPrefix(lead, []byte("<")):
		return FormatXML, true
	case strings.Contains(contentType, "json") || bytes.HasPrefix(lead, []byte("{")):
		return FormatJSON, true
	}
	return FormatXML, false
}

// Parse decodes body. Errors wrap ErrUnknownFormat, ErrParse or ErrEmpty.
func (p *Parser) Parse(body []byte, contentType string) (*Document, error) {
	format, ok := Sniff(body, contentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, contentType)
	}

	feed, err := p.gofeedParser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	doc := &Document{
		Format:      format,
		Title:       feed.Title,
		Link:        feed.Link,
		Description: feed.Description,
	}
	if feed.Image != nil {
		doc.ImageURL = feed.Image.URL
	}

	switch feed.FeedType {
	case "atom":
		doc.Links = atomLinks(body)
	case "json":
		meta := jsonFeedMeta(body)
		doc.Expired = meta.Expired
		if meta.NextURL != "" {
			doc.Links = append(doc.Links, Link{Rel: "next", Href: meta.NextURL})
		}
	default:
		doc.Links = extensionLinks(feed.Extensions)
	}

	if len(feed.Items) == 0 {
		return nil, ErrEmpty
	}

	doc.Entries = make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		doc.Entries = append(doc.Entries, p.convertItem(item))
	}

	if p.saveRaw {
		items := feed.Items
		feed.Items = nil
		doc.RawJSON = marshalRaw(feed)
		feed.Items = items
	}

	return doc, nil
}

func (p *Parser) convertItem(item *gofeed.Item) Entry {
	entry := Entry{
		ID:        item.GUID,
		Link:      item.Link,
		Title:     item.Title,
		Published: item.PublishedParsed,
		Updated:   item.UpdatedParsed,
		Summary:   item.Description,
	}

	var author string
	if item.Author != nil {
		author = item.Author.Name
	}
	if author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}
	entry.Author = coalesce(author, dublinCreator(item.DublinCoreExt))

	if item.Content != "" {
		entry.Contents = append(entry.Contents, Content{Type: "text/html", Value: item.Content})
	}
	if item.ITunesExt != nil {
		entry.SummaryDetail = item.ITunesExt.Summary
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Description) > 0 {
		entry.Description = item.DublinCoreExt.Description[0]
	}

	if item.Image != nil {
		entry.ImageURL = item.Image.URL
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		entry.Enclosures = append(entry.Enclosures, EnclosureDecl{
			Href:   enc.URL,
			Length: parseSize(enc.Length),
			Type:   enc.Type,
		})
	}

	entry.Media = mediaContents(item.Extensions)
	// A lone media item paired with a lone content block is described by that block
	if len(entry.Media) == 1 && len(entry.Contents) == 1 && entry.Media[0].Description == "" {
		entry.Media[0].Description = entry.Contents[0].Value
	}

	if p.saveRaw {
		entry.RawJSON = marshalRaw(item)
	}

	return entry
}

func atomLinks(body []byte) []Link {
	fp := &atom.Parser{}
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var links []Link
	for _, l := range feed.Links {
		if l == nil {
			continue
		}
		links = append(links, Link{Rel: coalesce(l.Rel, "alternate"), Href: l.Href})
	}
	return links
}

// extensionLinks reads atom:link elements embedded in an RSS channel
func extensionLinks(extensions ext.Extensions) []Link {
	var links []Link
	for _, e := range extensions["atom"]["link"] {
		links = append(links, Link{Rel: coalesce(e.Attrs["rel"], "alternate"), Href: e.Attrs["href"]})
	}
	return links
}

func mediaContents(extensions ext.Extensions) []MediaDecl {
	media := extensions["media"]
	if media == nil {
		return nil
	}

	elements := append([]ext.Extension{}, media["content"]...)
	for _, group := range media["group"] {
		elements = append(elements, group.Children["content"]...)
	}

	var decls []MediaDecl
	for _, e := range elements {
		url := e.Attrs["url"]
		if url == "" {
			continue
		}
		decl := MediaDecl{
			URL:      url,
			Type:     e.Attrs["type"],
			Medium:   e.Attrs["medium"],
			FileSize: parseSize(e.Attrs["fileSize"]),
		}
		if desc := e.Children["description"]; len(desc) > 0 {
			decl.Description = desc[0].Value
		}
		decls = append(decls, decl)
	}
	return decls
}

type jsonFeed struct {
	NextURL string `json:"next_url"`
	Expired bool   `json:"expired"`
}

func jsonFeedMeta(body []byte) jsonFeed {
	var meta jsonFeed
	if err := json.Unmarshal(body, &meta); err != nil {
		return jsonFeed{}
	}
	return meta
}

func dublinCreator(dc *ext.DublinCoreExtension) string {
	if dc == nil || len(dc.Creator) == 0 {
		return ""
	}
	return dc.Creator[0]
}

func parseSize(s string) *int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func marshalRaw(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// coalesce returns the first non-empty string from the provided values
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FirstTime returns the first non-nil time from the provided values, or fallback
func FirstTime(fallback time.Time, values ...*time.Time) time.Time {
	for _, v := range values {
		if v != nil && !v.IsZero() {
			return *v
		}
	}
	return fallback
}
