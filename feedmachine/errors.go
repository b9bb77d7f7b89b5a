package feedmachine

import (
	"errors"
	"fmt"
)

// Error kinds reported by the feed machinery. Use [errors.Is] to check
// which kind a returned error belongs to.
var (
	// ErrNetwork covers connection, DNS, TLS and timeout failures, as well
	// as non-2xx responses
	ErrNetwork = errors.New("network error")

	// ErrParse is returned when a response body isn't a recognizable feed
	ErrParse = errors.New("parse error")

	// ErrSchema is returned when a parsed feed lacks a field its class
	// requires, such as a publication time
	ErrSchema = errors.New("schema error")

	// ErrInvalidURL is returned when a fetch URL can't be built for an
	// identifier
	ErrInvalidURL = errors.New("invalid url")

	// ErrStore is returned for persistence failures. A worker that hits
	// one stops.
	ErrStore = errors.New("store error")

	ErrManagerClosed = errors.New("feed manager is closed")
)

// FeedError associates an error of a given kind with the feed that
// produced it.
type FeedError struct {
	// Kind is one of the sentinel errors, ex: ErrNetwork
	Kind error
	Feed FeedID
	Err  error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Feed, e.Kind, e.Err)
}

func (e *FeedError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newFeedError(kind error, feed FeedID, err error) *FeedError {
	return &FeedError{Kind: kind, Feed: feed, Err: err}
}

// HTTPStatusError is returned (wrapped in ErrNetwork) when a feed
// responds with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status: %s", e.Status)
}
