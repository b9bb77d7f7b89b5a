package feedmachine

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
)

const youtubeVideoIDPrefix = "yt:video:"

// Model supplies the class-specific parts of polling a feed: building
// its URL, pacing the queue, and turning a parsed feed into entries.
type Model[E Entry] interface {
	Class() Class

	// URL returns the fetch URL for id, or an error wrapping ErrInvalidURL
	URL(id FeedID) (*url.URL, error)

	// Delay returns the wait between polls for the given queue length
	Delay(queueLen int) time.Duration

	// Filter reports whether entry should be dispatched
	Filter(id FeedID, entry E) bool

	// Convert maps a parsed feed to entries. It returns an error
	// wrapping ErrSchema if a mandatory field is missing.
	Convert(id FeedID, feed *gofeed.Feed) ([]E, error)
}

type baseModel struct {
	class  Class
	config ClassConfig
}

func (m baseModel) Class() Class {
	return m.class
}

func (m baseModel) Delay(queueLen int) time.Duration {
	return m.config.Delays.Delay(queueLen)
}

func (m baseModel) URL(id FeedID) (*url.URL, error) {
	if id.Class != m.class {
		return nil, fmt.Errorf(
			"%w: %s identifier given to %s model",
			ErrInvalidURL,
			id.Class,
			m.class,
		)
	}
	if id.ID == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidURL)
	}
	tmpl := m.config.URLTemplate
	if tmpl == "" {
		return nil, fmt.Errorf("%w: no url template for %s", ErrInvalidURL, m.class)
	}

	value := id.ID
	if m.class != ClassRSS {
		value = url.PathEscape(value)
	}
	raw := strings.ReplaceAll(tmpl, idPlaceholder, value)

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidURL, raw)
	}
	return u, nil
}

// displayLink swaps the host of link for the configured display domain.
func (m baseModel) displayLink(link string) string {
	if m.config.DisplayDomain == "" || link == "" {
		return link
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	u.Host = m.config.DisplayDomain
	return u.String()
}

// YouTubeModel polls a YouTube channel's Atom feed. Identifiers are
// channel IDs.
type YouTubeModel struct {
	baseModel
}

func NewYouTubeModel(config ClassConfig) *YouTubeModel {
	return &YouTubeModel{baseModel{class: ClassYouTube, config: config}}
}

func (m *YouTubeModel) Filter(FeedID, YouTubeEntry) bool {
	return true
}

func (m *YouTubeModel) Convert(id FeedID, feed *gofeed.Feed) ([]YouTubeEntry, error) {
	entries := make([]YouTubeEntry, 0, len(feed.Items))
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		if item.PublishedParsed == nil {
			return nil, newFeedError(
				ErrSchema,
				id,
				fmt.Errorf("entry %d (%q) has no published time", i, item.GUID),
			)
		}
		videoID, ok := strings.CutPrefix(item.GUID, youtubeVideoIDPrefix)
		if !ok || videoID == "" {
			return nil, newFeedError(
				ErrSchema,
				id,
				fmt.Errorf("entry %d has unexpected id %q", i, item.GUID),
			)
		}

		entry := YouTubeEntry{
			VideoID:   videoID,
			ChannelID: id.ID,
			Title:     item.Title,
			Link:      m.displayLink(itemLink(item)),
			Thumbnail: youtubeThumbnail(item),
			Published: normalizeTime(*item.PublishedParsed),
		}
		if author := itemAuthor(item); author != "" {
			entry.Author = author
		} else if feed.Title != "" {
			entry.Author = feed.Title
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// TwitterModel polls an RSS proxy for a Twitter handle. Identifiers are
// lower-cased handles without the leading '@'.
type TwitterModel struct {
	baseModel
}

func NewTwitterModel(config ClassConfig) *TwitterModel {
	return &TwitterModel{baseModel{class: ClassTwitter, config: config}}
}

// Filter drops reposts, unless they're enabled in the class config.
func (m *TwitterModel) Filter(_ FeedID, entry TwitterEntry) bool {
	return m.config.IncludeReposts || !entry.Repost
}

func (m *TwitterModel) Convert(id FeedID, feed *gofeed.Feed) ([]TwitterEntry, error) {
	entries := make([]TwitterEntry, 0, len(feed.Items))
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		published := itemPublished(item)
		if published == nil {
			return nil, newFeedError(
				ErrSchema,
				id,
				fmt.Errorf("entry %d (%q) has no published time", i, item.Title),
			)
		}
		link := itemLink(item)
		entryID := lo.CoalesceOrEmpty(item.GUID, link)
		if entryID == "" {
			return nil, newFeedError(
				ErrSchema,
				id,
				fmt.Errorf("entry %d has neither a guid nor a link", i),
			)
		}

		author := strings.TrimLeft(itemAuthor(item), "@")
		if author == "" {
			author = id.ID
		}
		text := item.Title
		if strings.HasPrefix(text, "RT by ") {
			_, text, _ = strings.Cut(text, ": ")
		}

		entries = append(
			entries,
			TwitterEntry{
				ID:        entryID,
				Handle:    id.ID,
				Author:    author,
				Text:      text,
				Link:      m.displayLink(link),
				Repost:    !strings.EqualFold(author, id.ID) || strings.HasPrefix(item.Title, "RT by "),
				Published: normalizeTime(*published),
			},
		)
	}
	return entries, nil
}

// RSSModel polls generic RSS, Atom and JSON feeds. Identifiers are the
// feed URLs themselves.
type RSSModel struct {
	baseModel
}

func NewRSSModel(config ClassConfig) *RSSModel {
	return &RSSModel{baseModel{class: ClassRSS, config: config}}
}

func (m *RSSModel) Filter(FeedID, RSSEntry) bool {
	return true
}

func (m *RSSModel) Convert(id FeedID, feed *gofeed.Feed) ([]RSSEntry, error) {
	entries := make([]RSSEntry, 0, len(feed.Items))
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		published := itemPublished(item)
		if published == nil {
			return nil, newFeedError(
				ErrSchema,
				id,
				fmt.Errorf("entry %d (%q) has no published time", i, item.Title),
			)
		}
		link := itemLink(item)
		entryID := lo.CoalesceOrEmpty(item.GUID, link)
		if entryID == "" {
			if item.Title == "" {
				return nil, newFeedError(
					ErrSchema,
					id,
					fmt.Errorf("entry %d has no guid, link or title", i),
				)
			}
			// titles repeat (ex: "Daily update"), so pair it with the time
			entryID = item.Title + "@" + normalizeTime(*published).Format(time.RFC3339Nano)
		}
		entry := RSSEntry{
			ID:         entryID,
			FeedTitle:  feed.Title,
			Title:      item.Title,
			Summary:    item.Description,
			Content:    item.Content,
			Author:     itemAuthor(item),
			Link:       m.displayLink(link),
			Categories: item.Categories,
			Published:  normalizeTime(*published),
		}
		if item.Image != nil {
			entry.Image = item.Image.URL
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// normalizeTime converts t to UTC at the millisecond precision
// last-update timestamps are stored with.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func itemPublished(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if len(item.Links) > 0 {
		return item.Links[0]
	}
	return ""
}

func itemAuthor(item *gofeed.Item) string {
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return item.Authors[0].Name
	}
	if item.Author != nil {
		return item.Author.Name
	}
	return ""
}

// youtubeThumbnail extracts media:group/media:thumbnail@url
func youtubeThumbnail(item *gofeed.Item) string {
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	for _, group := range media["group"] {
		for _, thumb := range group.Children["thumbnail"] {
			if u := thumb.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	return ""
}
