package feedmachine

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayConfig(t *testing.T) {
	t.Parallel()

	d := DelayConfig{
		Base:    15 * time.Minute,
		Floor:   30 * time.Second,
		Ceiling: 10 * time.Minute,
	}

	assert.Equal(t, 10*time.Minute, d.Delay(0), "clamped to ceiling")
	assert.Equal(t, 10*time.Minute, d.Delay(1), "clamped to ceiling")
	assert.Equal(t, 5*time.Minute, d.Delay(3))
	assert.Equal(t, 30*time.Second, d.Delay(100), "clamped to floor")

	unbounded := DelayConfig{Base: time.Minute}
	assert.Equal(t, time.Minute, unbounded.Delay(0))
	assert.Equal(t, 6*time.Second, unbounded.Delay(10))

	var zero DelayConfig
	assert.Equal(t, MinPollDelay, zero.Delay(0), "never poll in a tight loop")
	assert.Equal(t, MinPollDelay, zero.Delay(5))
}

func TestModelURL(t *testing.T) {
	t.Parallel()

	yt := NewYouTubeModel(DefaultConfig().YouTube)
	u, err := yt.URL(MustFeedID(ClassYouTube, "UCabc"))
	require.NoError(t, err)
	assert.Equal(
		t,
		"https://www.youtube.com/feeds/videos.xml?channel_id=UCabc",
		u.String(),
	)

	_, err = yt.URL(MustFeedID(ClassTwitter, "gopher"))
	assert.ErrorIs(t, err, ErrInvalidURL)

	rss := NewRSSModel(DefaultConfig().Generic)
	u, err = rss.URL(MustFeedID(ClassRSS, "https://example.com/feed.xml?page=1"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/feed.xml?page=1", u.String())

	// identifiers built by hand skip NewFeedID validation
	_, err = rss.URL(FeedID{Class: ClassRSS, ID: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidURL)

	noTemplate := NewTwitterModel(ClassConfig{})
	_, err = noTemplate.URL(MustFeedID(ClassTwitter, "gopher"))
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func parseFixture(t *testing.T, body string) *gofeed.Feed {
	t.Helper()
	base, err := url.Parse("https://feeds.example.com/")
	require.NoError(t, err)
	feed, err := Parse([]byte(body), base)
	require.NoError(t, err)
	return feed
}

func TestYouTubeConvert(t *testing.T) {
	t.Parallel()

	id := MustFeedID(ClassYouTube, "UCabc")
	feed := parseFixture(
		t,
		youtubeFeedXML(
			"UCabc",
			testVideo{ID: "vid1", Title: "First", Published: t1},
			testVideo{ID: "vid2", Title: "Second", Published: t2},
		),
	)

	model := NewYouTubeModel(ClassConfig{})
	entries, err := model.Convert(id, feed)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	e := entries[0]
	assert.Equal(t, "vid1", e.VideoID)
	assert.Equal(t, "UCabc", e.ChannelID)
	assert.Equal(t, "First", e.Title)
	assert.Equal(t, "UCabc", e.Author)
	assert.Equal(t, "https://www.youtube.com/watch?v=vid1", e.Link)
	assert.Equal(t, "https://i.ytimg.com/vi/vid1/hqdefault.jpg", e.Thumbnail)
	assert.True(t, t1.Equal(e.Timestamp()))
	assert.Equal(t, time.UTC, e.Timestamp().Location())
	assert.Contains(t, e.Message(), "https://www.youtube.com/watch?v=vid1")
	assert.True(t, model.Filter(id, e))
}

func TestYouTubeConvertSchemaErrors(t *testing.T) {
	t.Parallel()

	id := MustFeedID(ClassYouTube, "UCabc")
	model := NewYouTubeModel(ClassConfig{})

	noPublished := &gofeed.Feed{
		Items: []*gofeed.Item{{GUID: "yt:video:abc", Title: "x"}},
	}
	_, err := model.Convert(id, noPublished)
	assert.ErrorIs(t, err, ErrSchema)

	badPrefix := &gofeed.Feed{
		Items: []*gofeed.Item{{GUID: "tag:abc", Title: "x", PublishedParsed: &t1}},
	}
	_, err = model.Convert(id, badPrefix)
	assert.ErrorIs(t, err, ErrSchema)

	var fe *FeedError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, id, fe.Feed)
}

func TestTwitterConvert(t *testing.T) {
	t.Parallel()

	id := MustFeedID(ClassTwitter, "Gopher")
	feed := &gofeed.Feed{
		Items: []*gofeed.Item{
			{
				GUID:            "https://nitter.net/gopher/status/1#m",
				Title:           "hello world",
				Link:            "https://nitter.net/gopher/status/1#m",
				Authors:         []*gofeed.Person{{Name: "@Gopher"}},
				PublishedParsed: &t1,
			},
			{
				GUID:            "https://nitter.net/other/status/2#m",
				Title:           "RT by @gopher: someone else's post",
				Link:            "https://nitter.net/other/status/2#m",
				Authors:         []*gofeed.Person{{Name: "@other"}},
				PublishedParsed: &t2,
			},
		},
	}

	model := NewTwitterModel(ClassConfig{DisplayDomain: "x.com"})
	entries, err := model.Convert(id, feed)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	post := entries[0]
	assert.False(t, post.Repost)
	assert.Equal(t, "Gopher", post.Author)
	assert.Equal(t, "hello world", post.Text)
	assert.Equal(t, "https://x.com/gopher/status/1#m", post.Link)
	assert.True(t, model.Filter(id, post))

	repost := entries[1]
	assert.True(t, repost.Repost)
	assert.Equal(t, "someone else's post", repost.Text)
	assert.False(t, model.Filter(id, repost))
	assert.Contains(t, repost.Message(), "reposted")

	withReposts := NewTwitterModel(ClassConfig{IncludeReposts: true})
	assert.True(t, withReposts.Filter(id, repost))
}

func TestRSSConvert(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<rss version="2.0">
 <channel>
  <title>Example Blog</title>
  <link>https://blog.example.com/</link>
  <item>
   <title>Post one</title>
   <link>/posts/1</link>
   <guid>post-1</guid>
   <description>&lt;p&gt;Hello &amp;amp; welcome&lt;/p&gt;</description>
   <pubDate>Mon, 01 Jan 2024 01:00:00 GMT</pubDate>
   <category>go</category>
  </item>
 </channel>
</rss>`

	id := MustFeedID(ClassRSS, "https://feeds.example.com/rss.xml")
	feed := parseFixture(t, body)
	model := NewRSSModel(ClassConfig{})
	entries, err := model.Convert(id, feed)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "post-1", e.ID)
	assert.Equal(t, "Example Blog", e.FeedTitle)
	assert.Equal(t, "https://feeds.example.com/posts/1", e.Link)
	assert.Equal(t, []string{"go"}, e.Categories)
	assert.True(t, t1.Equal(e.Timestamp()))

	msg := e.Message()
	assert.Contains(t, msg, "**Example Blog**: Post one")
	assert.Contains(t, msg, "Hello & welcome")
	assert.NotContains(t, msg, "<p>")
}

func TestRSSConvertFallsBackToUpdated(t *testing.T) {
	t.Parallel()

	id := MustFeedID(ClassRSS, "https://example.com/feed")
	model := NewRSSModel(ClassConfig{})

	entries, err := model.Convert(
		id,
		&gofeed.Feed{Items: []*gofeed.Item{{Title: "x", Link: "https://example.com/x", UpdatedParsed: &t2}}},
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://example.com/x", entries[0].ID)
	assert.True(t, t2.Equal(entries[0].Published))

	_, err = model.Convert(id, &gofeed.Feed{Items: []*gofeed.Item{{Title: "x"}}})
	assert.ErrorIs(t, err, ErrSchema)
}

// Items with neither a guid nor a link are told apart by title and
// publication time, so recurring titles aren't collapsed.
func TestRSSConvertTitleOnlyIDs(t *testing.T) {
	t.Parallel()

	id := MustFeedID(ClassRSS, "https://example.com/feed")
	model := NewRSSModel(ClassConfig{})

	entries, err := model.Convert(
		id,
		&gofeed.Feed{
			Items: []*gofeed.Item{
				{Title: "Daily update", PublishedParsed: &t1},
				{Title: "Daily update", PublishedParsed: &t2},
				{Title: "Daily update", PublishedParsed: &t2},
			},
		},
	)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.NotEqual(t, entries[0].EntryID(), entries[1].EntryID())
	assert.Equal(t, entries[1].EntryID(), entries[2].EntryID())

	h := &Handle[RSSEntry]{model: model}
	fresh := h.newEntries(id, entries, t0)
	require.Len(t, fresh, 2)
	assert.True(t, t1.Equal(fresh[0].Timestamp()))
	assert.True(t, t2.Equal(fresh[1].Timestamp()))
}

func TestNormalizeTime(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("x", 3600)
	in := time.Date(2024, 1, 1, 1, 0, 0, 1_234_567, loc)
	got := normalizeTime(in)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 1_000_000, got.Nanosecond())
	assert.True(t, got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 1_000_000, time.UTC)))
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a b", plainText("<b>a</b> b", 10))
	assert.Equal(t, "abcd…", plainText("abcdefghij", 5))
	assert.Equal(t, "Tom & Jerry", plainText("<p>Tom &amp; Jerry</p>", 50))
	assert.Equal(
		t,
		"first second",
		plainText("<script>alert(1)</script><p>first</p>\n\n<p>second</p>", 50),
	)
	assert.Equal(t, "", plainText("", 10))
}
