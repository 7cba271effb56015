package domain

import "time"

// SegmentKind tags one part of an inbound message.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentImage
	SegmentOther
)

// Segment is one typed part of an inbound message. Text carries the
// segment text, Image carries a fetchable URL. Other segments (stickers,
// voice notes, replies) keep their position but are never inspected.
type Segment struct {
	Kind SegmentKind
	Text string
	URL  string
}

func TextSegment(text string) Segment { return Segment{Kind: SegmentText, Text: text} }
func ImageSegment(url string) Segment { return Segment{Kind: SegmentImage, URL: url} }
func OtherSegment() Segment           { return Segment{Kind: SegmentOther} }

// InboundMessage is one message delivered by a channel.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	IsGroup   bool // message originates from a group/channel context
	Segments  []Segment
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// SyncRecord is one successfully relayed note.
type SyncRecord struct {
	ID          int64
	Channel     string
	ChatID      string
	SenderID    string
	MemoID      string
	Attachments int
	CreatedAt   time.Time
}
