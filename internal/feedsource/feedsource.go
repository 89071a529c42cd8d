// Package feedsource encapsulates one feed's configuration and its
// fetch/parse behavior (C2), grounded in the teacher's monitor.go fetchFeed
// logic: an http.Client with a configured User-Agent and Accept header,
// gofeed for parsing, goquery for stripping embedded markup from titles.
package feedsource

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/store"
)

// acceptHeader lists the feed MIME types the worker accepts (spec §4.2).
const acceptHeader = "text/html, application/xhtml+xml, application/xml, text/xml, application/atom+xml, application/rss+xml"

// Item is one parsed entry before canonicalization (spec §3 FeedItem,
// minus the canonical URL which the Item Pipeline produces).
type Item struct {
	Title    string
	URL      string
	Date     time.Time
	HasDate  bool
	Category int64
	Website  int64
}

// Source encapsulates one FeedConfig and performs a single HTTP fetch +
// parse (spec §4.2).
type Source struct {
	Config          store.FeedConfig
	UserAgent       string
	FreshnessWindow time.Duration
	Client          *http.Client
	parser          *gofeed.Parser
}

// New constructs a Source for cfg.
func New(cfg store.FeedConfig, userAgent string, freshness time.Duration, client *http.Client) *Source {
	return &Source{
		Config:          cfg,
		UserAgent:       userAgent,
		FreshnessWindow: freshness,
		Client:          client,
		parser:          gofeed.NewParser(),
	}
}

// Fetch issues the GET, parses the body, and returns every item published
// within the freshness window (spec §4.2). Items with an invalid or
// missing date are dropped.
func (s *Source) Fetch(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Config.URL, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.TagFetchURL, err.Error(), err)
	}
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.TagFetchURL, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.TagFetchURL, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	feed, err := s.parser.Parse(resp.Body)
	if err != nil {
		return nil, apperrors.New(apperrors.TagParseURL, err.Error(), err)
	}
	if len(feed.Items) == 0 {
		return nil, apperrors.New(apperrors.TagParseURL, "feed yielded zero items", nil)
	}

	cutoff := time.Now().Add(-s.FreshnessWindow)
	out := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it.Link == "" {
			continue
		}
		if it.PublishedParsed == nil {
			continue
		}
		if it.PublishedParsed.Before(cutoff) {
			continue
		}
		out = append(out, Item{
			Title:    sanitizeTitle(it.Title),
			URL:      it.Link,
			Date:     *it.PublishedParsed,
			HasDate:  true,
			Category: s.Config.Category,
			Website:  s.Config.ID,
		})
	}

	return out, nil
}

// sanitizeTitle strips any HTML markup a feed embedded in its title,
// reusing goquery's text extraction the way the teacher's fetchFullContent
// uses it over article bodies — here over a single short string instead of
// a fetched page, so no extra network round trip is introduced.
func sanitizeTitle(raw string) string {
	if !strings.ContainsAny(raw, "<>") {
		return strings.TrimSpace(raw)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	text := strings.TrimSpace(doc.Text())
	if text == "" {
		return strings.TrimSpace(raw)
	}
	return text
}
