package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/models"
)

const goodContent = "The broader market rallied today as quarterly earnings beat analyst expectations across the technology sector, lifting the index to a record close."

func rssFeed(items string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Test Wire</title>` + items + `</channel></rss>`
}

func TestParse_RSS(t *testing.T) {
	p := NewParser(common.NewSilentLogger())
	data := rssFeed(`
<item>
  <title>Tech stocks extend rally</title>
  <link>https://example.com/tech-rally</link>
  <description><![CDATA[<p>` + goodContent + `</p>]]></description>
  <pubDate>Thu, 05 Jun 2025 14:30:00 -0400</pubDate>
  <category>Markets</category>
</item>`)

	items, err := p.Parse([]byte(data), "testwire")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	it := items[0]
	if it.Title != "Tech stocks extend rally" {
		t.Errorf("title = %q", it.Title)
	}
	if it.URL != "https://example.com/tech-rally" {
		t.Errorf("url = %q", it.URL)
	}
	if strings.Contains(it.Content, "<p>") {
		t.Error("HTML tags should be stripped from content")
	}
	want := time.Date(2025, 6, 5, 14, 30, 0, 0, time.FixedZone("", -4*3600))
	if !it.PublishedAt.Equal(want) {
		t.Errorf("published = %s, want %s", it.PublishedAt, want)
	}
	if it.Source != "testwire" {
		t.Errorf("source = %q", it.Source)
	}
}

func TestParse_Atom(t *testing.T) {
	p := NewParser(common.NewSilentLogger())
	data := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Wire</title>
  <entry>
    <title>Central bank holds interest rates steady</title>
    <link rel="alternate" href="https://example.com/rates"/>
    <summary>` + goodContent + `</summary>
    <published>2025-06-05T10:00:00Z</published>
  </entry>
</feed>`

	items, err := p.Parse([]byte(data), "atomwire")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].URL != "https://example.com/rates" {
		t.Errorf("url = %q", items[0].URL)
	}
	if items[0].PublishedAt.IsZero() {
		t.Error("published time should parse")
	}
}

func TestParse_MalformedFeedReturnsEmpty(t *testing.T) {
	p := NewParser(common.NewSilentLogger())

	for name, data := range map[string]string{
		"not xml":       "this is not a feed",
		"unknown root":  `<?xml version="1.0"?><html><body>nope</body></html>`,
		"truncated rss": rssFeed(`<item><title>Broken`),
		"empty":         "",
	} {
		items, err := p.Parse([]byte(data), "bad")
		if err != nil {
			t.Errorf("%s: parse should not error, got %v", name, err)
		}
		if len(items) != 0 {
			t.Errorf("%s: expected no items, got %d", name, len(items))
		}
	}
}

func TestParse_ItemWithoutLinkSkipped(t *testing.T) {
	p := NewParser(common.NewSilentLogger())
	data := rssFeed(`
<item><title>No link here</title><description>` + goodContent + `</description></item>
<item><title>Has link</title><link>https://example.com/ok</link><description>` + goodContent + `</description></item>`)

	items, err := p.Parse([]byte(data), "wire")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].URL != "https://example.com/ok" {
		t.Errorf("expected only the linked item, got %d items", len(items))
	}
}

func TestJunkFilter(t *testing.T) {
	f := NewJunkFilter()

	tests := []struct {
		name string
		item models.ParsedItem
		keep bool
	}{
		{
			"relevant article",
			models.ParsedItem{Title: "Earnings season", Content: goodContent},
			true,
		},
		{
			"spam phrase",
			models.ParsedItem{Title: "Markets update", Content: goodContent + " Sign up now for alerts."},
			false,
		},
		{
			"junk category",
			models.ParsedItem{Title: "Markets", Content: goodContent, Categories: []string{"Sponsored"}},
			false,
		},
		{
			"too short",
			models.ParsedItem{Title: "Stocks", Content: "Stocks rose."},
			false,
		},
		{
			"no financial keyword",
			models.ParsedItem{
				Title:   "Local bake sale",
				Content: strings.Repeat("The community gathered for the annual bake sale on Saturday morning. ", 3),
			},
			false,
		},
		{
			"keyword in title only",
			models.ParsedItem{
				Title:   "Dividend announcement",
				Content: strings.Repeat("The company announced its regular quarterly distribution to holders. ", 3),
			},
			true,
		},
	}
	for _, tt := range tests {
		if got := f.Keep(&tt.item); got != tt.keep {
			t.Errorf("%s: Keep = %v, want %v", tt.name, got, tt.keep)
		}
	}
}

func TestStripHTML(t *testing.T) {
	got := StripHTML("<p>Hello <b>world</b></p><p>Second &amp; third</p>")
	if strings.Contains(got, "<") || strings.Contains(got, "&amp;") {
		t.Errorf("tags or entities left behind: %q", got)
	}
	if !strings.Contains(got, "Hello world") || !strings.Contains(got, "Second & third") {
		t.Errorf("text content lost: %q", got)
	}

	plain := StripHTML("  just text  ")
	if plain != "just text" {
		t.Errorf("plain text should be trimmed: %q", plain)
	}
}
