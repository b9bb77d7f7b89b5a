package feedmachine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"
)

// userAgentTransport injects a User-Agent header into every request.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// NewHTTPClient returns the client shared by all feed handles. It
// applies timeout to every request and sends userAgent with each.
func NewHTTPClient(timeout time.Duration, userAgent string) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: transport, userAgent: userAgent},
	}
}

// FetchAndParse GETs u and parses the body as an Atom, RSS or JSON feed.
// Relative item links are resolved against u. At most maxBodySize bytes
// are read (0 uses [DefaultMaxBodySize]).
//
// Returned errors wrap [ErrNetwork] or [ErrParse].
func FetchAndParse(
	ctx context.Context,
	client *http.Client,
	u *url.URL,
	maxBodySize int64,
) (*gofeed.Feed, error) {
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set(
		"Accept",
		"application/atom+xml, application/rss+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8",
	)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf(
			"%w: %w",
			ErrNetwork,
			&HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status},
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrNetwork, err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, fmt.Errorf(
			"%w: response body exceeds %d bytes",
			ErrNetwork,
			maxBodySize,
		)
	}

	return Parse(body, u)
}

// Parse parses a feed document. If base is non-nil, relative feed and
// item links are resolved against it.
func Parse(body []byte, base *url.URL) (*gofeed.Feed, error) {
	// gofeed parsers keep per-parse state, so each call gets its own
	fp := gofeed.NewParser()
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if base != nil {
		resolveLinks(feed, base)
	}
	return feed, nil
}

func resolveLinks(feed *gofeed.Feed, base *url.URL) {
	feed.Link = resolveReference(base, feed.Link)
	for i, link := range feed.Links {
		feed.Links[i] = resolveReference(base, link)
	}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		item.Link = resolveReference(base, item.Link)
		for i, link := range item.Links {
			item.Links[i] = resolveReference(base, link)
		}
	}
}

func resolveReference(base *url.URL, ref string) string {
	if ref == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	return base.ResolveReference(r).String()
}
