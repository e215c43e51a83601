package parser

import "time"

type Format int

const (
	FormatXML Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "xml"
}

// Document is a decoded feed with every optional field resolved to a plain value.
// Absent text fields are empty strings, absent times are nil.
type Document struct {
	Format      Format
	Title       string
	Link        string
	Description string
	ImageURL    string
	Links       []Link
	Expired     bool // JSON Feed only
	Entries     []Entry
	RawJSON     string
}

// Link is a feed-level link relation
type Link struct {
	Rel  string
	Href string
}

// NextPage returns the href of the first rel="next" link, or ""
func (d *Document) NextPage() string {
	for _, l := range d.Links {
		if l.Rel == "next" && l.Href != "" {
			return l.Href
		}
	}
	return ""
}

type Entry struct {
	ID            string
	Link          string
	Title         string
	Author        string
	Published     *time.Time
	Updated       *time.Time
	Contents      []Content
	Summary       string
	SummaryDetail string
	Description   string
	Enclosures    []EnclosureDecl
	Media         []MediaDecl
	ImageURL      string
	RawJSON       string
}

type Content struct {
	Type  string
	Value string
}

// EnclosureDecl is an explicit <enclosure> or JSON Feed attachment
type EnclosureDecl struct {
	Href   string
	Length *int64
	Type   string
}

// MediaDecl is a Media RSS media:content element
type MediaDecl struct {
	URL         string
	Type        string
	Medium      string
	FileSize    *int64
	Description string
}
