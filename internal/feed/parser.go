// Package feed parses RSS 2.0 and Atom documents into items and filters
// out junk entries before they reach the ingest pipeline.
package feed

import (
	"bytes"
	"encoding/xml"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/models"
)

// Parser implements the FeedParser interface.
type Parser struct {
	logger *common.Logger
	filter *JunkFilter
}

var _ interfaces.FeedParser = (*Parser)(nil)

// NewParser creates a feed parser with the default junk filter.
func NewParser(logger *common.Logger) *Parser {
	return &Parser{
		logger: logger,
		filter: NewJunkFilter(),
	}
}

// rssDoc is the RSS 2.0 envelope.
type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Encoded     string   `xml:"encoded"` // content:encoded, fuller than description
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
}

// atomDoc is the Atom envelope.
type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title   string     `xml:"title"`
	Links   []atomLink `xml:"link"`
	Summary string     `xml:"summary"`
	Content string     `xml:"content"`
	Updated string     `xml:"updated"`
	Publish string     `xml:"published"`
	Tags    []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// Parse detects the document format by root element and returns the items
// that survive the junk filter. A malformed document yields an empty list,
// never an error to the job layer.
func (p *Parser) Parse(data []byte, sourceName string) ([]*models.ParsedItem, error) {
	root := rootElement(data)
	switch root {
	case "rss":
		return p.parseRSS(data, sourceName), nil
	case "feed":
		return p.parseAtom(data, sourceName), nil
	default:
		p.logger.Debug().Str("source", sourceName).Str("root", root).Msg("Unrecognised feed root")
		return nil, nil
	}
}

// rootElement returns the local name of the first start element.
func rootElement(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}

func (p *Parser) parseRSS(data []byte, sourceName string) []*models.ParsedItem {
	var doc rssDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		p.logger.Debug().Err(err).Str("source", sourceName).Msg("RSS parse failed")
		return nil
	}

	items := make([]*models.ParsedItem, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		content := it.Encoded
		if strings.TrimSpace(content) == "" {
			content = it.Description
		}
		item := &models.ParsedItem{
			Title:       strings.TrimSpace(it.Title),
			URL:         strings.TrimSpace(it.Link),
			Content:     StripHTML(content),
			PublishedAt: parseFeedTime(it.PubDate),
			Source:      sourceName,
			Categories:  it.Categories,
		}
		if item.URL == "" {
			p.logger.Debug().Str("source", sourceName).Str("title", item.Title).Msg("Skipping item without link")
			continue
		}
		if !p.filter.Keep(item) {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (p *Parser) parseAtom(data []byte, sourceName string) []*models.ParsedItem {
	var doc atomDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		p.logger.Debug().Err(err).Str("source", sourceName).Msg("Atom parse failed")
		return nil
	}

	items := make([]*models.ParsedItem, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		content := e.Content
		if strings.TrimSpace(content) == "" {
			content = e.Summary
		}
		published := e.Publish
		if published == "" {
			published = e.Updated
		}
		cats := make([]string, 0, len(e.Tags))
		for _, tag := range e.Tags {
			cats = append(cats, tag.Term)
		}
		item := &models.ParsedItem{
			Title:       strings.TrimSpace(e.Title),
			URL:         atomHref(e.Links),
			Content:     StripHTML(content),
			PublishedAt: parseFeedTime(published),
			Source:      sourceName,
			Categories:  cats,
		}
		if item.URL == "" {
			p.logger.Debug().Str("source", sourceName).Str("title", item.Title).Msg("Skipping entry without link")
			continue
		}
		if !p.filter.Keep(item) {
			continue
		}
		items = append(items, item)
	}
	return items
}

// atomHref picks the alternate link, falling back to the first.
func atomHref(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// feedTimeFormats covers the date shapes seen across real feeds.
var feedTimeFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
}

func parseFeedTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range feedTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// StripHTML reduces an HTML fragment to its text content. Plain text passes
// through unchanged.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	text := doc.Text()
	// Collapse runs of whitespace left behind by block elements.
	return strings.Join(strings.Fields(text), " ")
}
