package fetch

import (
	"bytes"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// xmlMarkers identify an un-escaped body that is really a feed document.
var xmlMarkers = []string{"<?xml", "<rss", "<feed"}

// UnwrapEscapedXML detects the case where a headless browser rendered an XML
// feed as an HTML document (the XML ends up entity-escaped inside the page,
// typically in a <pre> block) and recovers the original XML bytes. Reports
// whether unwrapping happened.
func UnwrapEscapedXML(body []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if startsWithXML(string(trimmed)) {
		return body, false // already raw XML
	}
	if !bytes.Contains(body, []byte("<html")) && !bytes.Contains(body, []byte("<HTML")) {
		return body, false
	}
	if !bytes.Contains(body, []byte("&lt;?xml")) && !bytes.Contains(body, []byte("&lt;rss")) &&
		!bytes.Contains(body, []byte("<pre")) {
		return body, false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return body, false
	}

	// Browsers put the escaped document source in a <pre> block.
	var recovered string
	doc.Find("pre").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if startsWithXML(text) {
			recovered = text
			return false
		}
		return true
	})

	// Some render paths escape the whole document into the body text.
	if recovered == "" {
		text := strings.TrimSpace(html.UnescapeString(doc.Find("body").Text()))
		if startsWithXML(text) {
			recovered = text
		}
	}

	if recovered == "" {
		return body, false
	}
	return []byte(recovered), true
}

func startsWithXML(s string) bool {
	for _, m := range xmlMarkers {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}
