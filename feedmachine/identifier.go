package feedmachine

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Class identifies a kind of feed, which fixes how its identifiers are
// interpreted, how its fetch URL is built and how its entries are parsed.
type Class string

const (
	ClassYouTube Class = "youtube"
	ClassTwitter Class = "twitter"
	ClassRSS     Class = "rss"
)

// Classes lists every supported feed class, in the order handles are
// created and reported.
var Classes = []Class{ClassYouTube, ClassTwitter, ClassRSS}

func (c Class) String() string {
	return string(c)
}

// Valid reports whether c is one of [Classes].
func (c Class) Valid() bool {
	switch c {
	case ClassYouTube, ClassTwitter, ClassRSS:
		return true
	default:
		return false
	}
}

// ParseClass returns the Class named by s (case-insensitive).
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown feed class: %q", s)
	}
	return c, nil
}

// FeedID names a single feed within its class. It is comparable, so it
// can be used as a map key, and it is normalized on construction:
// Twitter handles are lower-cased with any leading '@' removed, so two
// FeedIDs for the same handle are always equal.
//
// Use [NewFeedID] rather than a struct literal to get that normalization.
type FeedID struct {
	Class Class  `json:"class"`
	ID    string `json:"id"`
}

// NewFeedID validates and normalizes id for the given class.
func NewFeedID(class Class, id string) (FeedID, error) {
	if !class.Valid() {
		return FeedID{}, fmt.Errorf("unknown feed class: %q", class)
	}
	id = strings.TrimSpace(id)

	switch class {
	case ClassTwitter:
		id = strings.ToLower(strings.TrimLeft(id, "@"))
		if strings.ContainsAny(id, "/?# ") {
			return FeedID{}, fmt.Errorf("invalid twitter handle: %q", id)
		}
	case ClassYouTube:
		if strings.ContainsAny(id, "/?#& ") {
			return FeedID{}, fmt.Errorf("invalid youtube channel id: %q", id)
		}
	case ClassRSS:
		u, err := url.Parse(id)
		if err != nil {
			return FeedID{}, fmt.Errorf("invalid feed url %q: %w", id, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return FeedID{}, fmt.Errorf(
				"invalid feed url %q: must be an absolute http(s) url",
				id,
			)
		}
	}

	if id == "" {
		return FeedID{}, fmt.Errorf("empty %s identifier", class)
	}
	return FeedID{Class: class, ID: id}, nil
}

// MustFeedID is like [NewFeedID] but panics on error.
func MustFeedID(class Class, id string) FeedID {
	f, err := NewFeedID(class, id)
	if err != nil {
		panic(err)
	}
	return f
}

func (f FeedID) String() string {
	return string(f.Class) + ":" + f.ID
}

func (f FeedID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("class", string(f.Class)),
		slog.String("id", f.ID),
	)
}
