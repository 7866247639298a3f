package fetch

import (
	"html"
	"strings"
	"testing"
)

func TestUnwrapEscapedXML_PreBlock(t *testing.T) {
	wrapped := "<html><body><pre>" + html.EscapeString(sampleRSS) + "</pre></body></html>"

	got, ok := UnwrapEscapedXML([]byte(wrapped))
	if !ok {
		t.Fatal("expected unwrap")
	}
	if !strings.HasPrefix(string(got), "<?xml") {
		t.Errorf("unwrapped body should start with xml declaration: %q", got[:40])
	}
	if !strings.Contains(string(got), "<rss version=\"2.0\">") {
		t.Error("rss root element lost in unwrap")
	}
}

func TestUnwrapEscapedXML_RawXMLPassthrough(t *testing.T) {
	got, ok := UnwrapEscapedXML([]byte(sampleRSS))
	if ok {
		t.Error("raw XML should not be unwrapped")
	}
	if string(got) != sampleRSS {
		t.Error("raw XML should pass through unchanged")
	}
}

func TestUnwrapEscapedXML_PlainHTMLUntouched(t *testing.T) {
	page := "<html><body><h1>News</h1><p>Markets were quiet today.</p></body></html>"
	got, ok := UnwrapEscapedXML([]byte(page))
	if ok {
		t.Error("ordinary HTML should not be unwrapped")
	}
	if string(got) != page {
		t.Error("ordinary HTML should pass through unchanged")
	}
}

func TestUnwrapEscapedXML_EscapedBodyWithoutPre(t *testing.T) {
	wrapped := "<html><body>" + html.EscapeString(sampleRSS) + "</body></html>"

	got, ok := UnwrapEscapedXML([]byte(wrapped))
	if !ok {
		t.Fatal("expected unwrap of escaped body text")
	}
	if !strings.HasPrefix(string(got), "<?xml") {
		t.Errorf("unwrapped body should start with xml declaration: %q", got[:40])
	}
}
