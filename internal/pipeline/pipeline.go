// Package pipeline implements the Item Pipeline (C3): it turns one feed
// tick's raw items into persisted rows and "new-item" events, grounded in
// the teacher's monitor.go processFeedItems loop (dedup against the store,
// then notify) but replacing its in-memory seenArticles cache with the
// store-only post-insert probe spec.md mandates.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/canonical"
	"github.com/alek-niko/aggregator/internal/feedsource"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/store"
)

// NewItemEvent is the payload handed to an Emitter for each item the
// post-insert probe confirmed as newly persisted (spec §4.5 new-item).
type NewItemEvent struct {
	ID       int64
	Title    string
	URL      string
	Category int64
	Website  int64
	Date     time.Time
}

// Emitter is the outbound half of the Control Plane (C5) as seen by the
// pipeline: two closed event kinds, no dynamic dispatch.
type Emitter interface {
	EmitNewItem(NewItemEvent)
	EmitError(tag apperrors.Tag, feedID *int64, url, message string)
}

// canonicalItem pairs a raw feedsource.Item with its canonical URL.
type canonicalItem struct {
	raw          feedsource.Item
	canonicalURL string
}

// dbErrorTag classifies a Store failure as db_connect_error (critical,
// spec §7) when it reflects a lost connection, or the ordinary db_error
// otherwise.
func dbErrorTag(err error) apperrors.Tag {
	if store.IsConnectionError(err) {
		return apperrors.TagDBConnect
	}
	return apperrors.TagDB
}

// Run executes one tick's pipeline for cfg's items (spec §4.3). A non-nil
// error here is always a db_error, or a db_connect_error when the store
// connection was lost; every other failure mode in this stage
// is swallowed and reported through emitter instead, matching the
// "empty/zero-new is success" edge cases in spec §4.3.
func Run(ctx context.Context, cfg store.FeedConfig, items []feedsource.Item, st store.Items, errs store.Errors, emitter Emitter, m *metrics.Metrics) error {
	startTime := time.Now().Truncate(time.Second)

	canon := make([]canonicalItem, 0, len(items))
	for _, it := range items {
		cu, ok := canonical.Canonicalize(it.URL)
		if !ok {
			continue
		}
		canon = append(canon, canonicalItem{raw: it, canonicalURL: cu})
	}

	if len(canon) == 0 {
		return nil
	}

	sort.SliceStable(canon, func(i, j int) bool {
		a, b := canon[i].raw, canon[j].raw
		if a.HasDate != b.HasDate {
			return a.HasDate
		}
		if !a.HasDate {
			return false
		}
		return a.Date.Before(b.Date)
	})

	rows := make([]store.ItemRow, 0, len(canon))
	urls := make([]string, 0, len(canon))
	for _, c := range canon {
		rows = append(rows, store.ItemRow{
			Title:    c.raw.Title,
			URL:      c.canonicalURL,
			Category: cfg.Category,
			Website:  cfg.ID,
		})
		urls = append(urls, c.canonicalURL)
	}

	if err := st.BulkUpsertIgnoringDuplicates(ctx, rows); err != nil {
		feedID := cfg.ID
		msg := err.Error()
		tag := dbErrorTag(err)
		if m != nil {
			m.RecordError(string(tag))
		}
		if errs != nil {
			errs.Log(ctx, store.ErrorRecord{Type: string(tag), FeedID: &feedID, Message: msg, Date: time.Now()})
		}
		if emitter != nil {
			emitter.EmitError(tag, &feedID, cfg.URL, msg)
		}
		return apperrors.New(tag, msg, err).WithFeed(&feedID, cfg.URL)
	}

	inserted, err := st.FindInsertedSince(ctx, cfg.ID, urls, startTime)
	if err != nil {
		feedID := cfg.ID
		msg := err.Error()
		tag := dbErrorTag(err)
		if m != nil {
			m.RecordError(string(tag))
		}
		if errs != nil {
			errs.Log(ctx, store.ErrorRecord{Type: string(tag), FeedID: &feedID, Message: msg, Date: time.Now()})
		}
		if emitter != nil {
			emitter.EmitError(tag, &feedID, cfg.URL, msg)
		}
		return apperrors.New(tag, msg, err).WithFeed(&feedID, cfg.URL)
	}

	newURLs := make(map[string]int64, len(inserted))
	for _, row := range inserted {
		newURLs[row.URL] = row.ID
	}

	emitted := 0
	for _, c := range canon {
		id, ok := newURLs[c.canonicalURL]
		if !ok {
			continue
		}
		date := c.raw.Date
		if !c.raw.HasDate {
			date = time.Now()
		}
		if emitter != nil {
			emitter.EmitNewItem(NewItemEvent{
				ID:       id,
				Title:    c.raw.Title,
				URL:      c.canonicalURL,
				Category: cfg.Category,
				Website:  cfg.ID,
				Date:     date,
			})
		}
		emitted++
	}

	if m != nil && emitted > 0 {
		m.RecordItemsEmitted(cfg.URL, emitted)
	}

	return nil
}
