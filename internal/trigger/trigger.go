// Package trigger decides whether an inbound message invokes the relay and
// pulls the note text and image URLs out of its segments.
package trigger

import (
	"strings"

	"notebot/internal/domain"
)

// Detector matches messages against the configured trigger keyword.
type Detector struct {
	keyword string
	prefix  string
}

func NewDetector(keyword string) *Detector {
	keyword = strings.TrimSpace(keyword)
	return &Detector{
		keyword: keyword,
		prefix:  keyword + " ",
	}
}

func (d *Detector) Keyword() string { return d.keyword }

// Matches reports whether any text segment is the bare keyword or starts
// with "<keyword> ". The scan stops at the first matching segment.
func (d *Detector) Matches(msg domain.InboundMessage) bool {
	for _, seg := range msg.Segments {
		if seg.Kind != domain.SegmentText {
			continue
		}
		text := strings.TrimSpace(seg.Text)
		if text == d.keyword || strings.HasPrefix(text, d.prefix) {
			return true
		}
	}
	return false
}

// ExtractText returns the note body from the first matching text segment:
// the bare keyword yields "", a prefixed segment yields the trimmed
// remainder. ok is false when no segment matches.
func (d *Detector) ExtractText(msg domain.InboundMessage) (text string, ok bool) {
	for _, seg := range msg.Segments {
		if seg.Kind != domain.SegmentText {
			continue
		}
		t := strings.TrimSpace(seg.Text)
		if strings.HasPrefix(t, d.prefix) {
			return strings.TrimSpace(t[len(d.prefix):]), true
		}
		if t == d.keyword {
			return "", true
		}
	}
	return "", false
}

// ExtractImages returns the URL of every image segment, preserving order.
func (d *Detector) ExtractImages(msg domain.InboundMessage) []string {
	var urls []string
	for _, seg := range msg.Segments {
		if seg.Kind == domain.SegmentImage && seg.URL != "" {
			urls = append(urls, seg.URL)
		}
	}
	return urls
}
