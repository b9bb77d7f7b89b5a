package feedmachine

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const rssSummaryMaxLength = 300

// Entry is a single item from a feed. Only the newest [Entry.Timestamp]
// of a dispatched batch is persisted; entries themselves never are.
type Entry interface {
	// Timestamp is the entry's publication time, in UTC
	Timestamp() time.Time

	// EntryID uniquely identifies the entry within its feed
	EntryID() string

	// Message renders the entry as a chat message
	Message() string
}

// YouTubeEntry is a video from a YouTube channel's Atom feed.
type YouTubeEntry struct {
	VideoID   string    `json:"video_id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Link      string    `json:"link"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Published time.Time `json:"published"`
}

func (e YouTubeEntry) Timestamp() time.Time { return e.Published }
func (e YouTubeEntry) EntryID() string      { return e.VideoID }

func (e YouTubeEntry) Message() string {
	author := e.Author
	if author == "" {
		author = e.ChannelID
	}
	return fmt.Sprintf("**%s** uploaded a new video: **%s**\n%s", author, e.Title, e.Link)
}

// TwitterEntry is a post from a Twitter RSS proxy.
type TwitterEntry struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Link      string    `json:"link"`
	Repost    bool      `json:"repost"`
	Published time.Time `json:"published"`
}

func (e TwitterEntry) Timestamp() time.Time { return e.Published }
func (e TwitterEntry) EntryID() string      { return e.ID }

func (e TwitterEntry) Message() string {
	if e.Repost {
		return fmt.Sprintf("**@%s** reposted **@%s**:\n%s\n%s", e.Handle, e.Author, e.Text, e.Link)
	}
	return fmt.Sprintf("**@%s**:\n%s\n%s", e.Author, e.Text, e.Link)
}

// RSSEntry is an item from a generic RSS, Atom or JSON feed.
type RSSEntry struct {
	ID         string    `json:"id"`
	FeedTitle  string    `json:"feed_title"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary,omitempty"`
	Content    string    `json:"content,omitempty"`
	Author     string    `json:"author,omitempty"`
	Link       string    `json:"link"`
	Categories []string  `json:"categories,omitempty"`
	Image      string    `json:"image,omitempty"`
	Published  time.Time `json:"published"`
}

func (e RSSEntry) Timestamp() time.Time { return e.Published }
func (e RSSEntry) EntryID() string      { return e.ID }

func (e RSSEntry) Message() string {
	var b strings.Builder
	if e.FeedTitle != "" {
		fmt.Fprintf(&b, "**%s**: ", e.FeedTitle)
	}
	b.WriteString(e.Title)
	if e.Link != "" {
		b.WriteString("\n")
		b.WriteString(e.Link)
	}
	if summary := plainText(e.Summary, rssSummaryMaxLength); summary != "" {
		b.WriteString("\n>>> ")
		b.WriteString(summary)
	}
	return b.String()
}

// plainText strips HTML from s and shortens it to at most n runes.
func plainText(s string, n int) string {
	s = strings.Join(strings.Fields(htmlText(s)), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}

// htmlText returns the text nodes of an HTML fragment, separated by
// spaces. Script and style contents are skipped.
func htmlText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
