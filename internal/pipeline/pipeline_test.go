package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/feedsource"
	"github.com/alek-niko/aggregator/internal/store"
)

type fakeItems struct {
	upserted   []store.ItemRow
	upsertErr  error
	probeErr   error
	insertedFn func(urls []string, since time.Time) []store.InsertedItem
	nextID     int64
}

func (f *fakeItems) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []store.ItemRow) error {
	f.upserted = append(f.upserted, rows...)
	return f.upsertErr
}

func (f *fakeItems) FindInsertedSince(ctx context.Context, website int64, urls []string, since time.Time) ([]store.InsertedItem, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if f.insertedFn != nil {
		return f.insertedFn(urls, since), nil
	}
	out := make([]store.InsertedItem, 0, len(urls))
	for _, u := range urls {
		f.nextID++
		out = append(out, store.InsertedItem{ID: f.nextID, URL: u})
	}
	return out, nil
}

type fakeErrors struct {
	logged []store.ErrorRecord
}

func (f *fakeErrors) Log(ctx context.Context, rec store.ErrorRecord) {
	f.logged = append(f.logged, rec)
}

type fakeEmitter struct {
	newItems []NewItemEvent
	errors   []apperrors.Tag
}

func (f *fakeEmitter) EmitNewItem(e NewItemEvent) { f.newItems = append(f.newItems, e) }
func (f *fakeEmitter) EmitError(tag apperrors.Tag, feedID *int64, url, message string) {
	f.errors = append(f.errors, tag)
}

func mkCfg() store.FeedConfig {
	return store.FeedConfig{ID: 7, URL: "https://ex.test/feed", Category: 3}
}

func TestRunEmptyAfterCanonicalizationIsNoop(t *testing.T) {
	items := &fakeItems{}
	emitter := &fakeEmitter{}

	err := Run(context.Background(), mkCfg(), []feedsource.Item{{URL: ""}}, items, nil, emitter, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items.upserted) != 0 {
		t.Fatalf("expected no upsert calls, got %d rows", len(items.upserted))
	}
	if len(emitter.newItems) != 0 {
		t.Fatalf("expected no emits, got %d", len(emitter.newItems))
	}
}

func TestRunZeroNewlyInsertedIsSuccess(t *testing.T) {
	items := &fakeItems{insertedFn: func(urls []string, since time.Time) []store.InsertedItem { return nil }}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{{Title: "a", URL: "https://ex.test/a", HasDate: true, Date: time.Now()}}
	err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items.upserted) != 1 {
		t.Fatalf("expected bulk upsert to still be attempted, got %d rows", len(items.upserted))
	}
	if len(emitter.newItems) != 0 {
		t.Fatalf("expected zero emits when nothing newly inserted, got %d", len(emitter.newItems))
	}
}

func TestRunBulkUpsertErrorPropagatesAsDBError(t *testing.T) {
	items := &fakeItems{upsertErr: errors.New("connection reset")}
	errs := &fakeErrors{}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{{Title: "a", URL: "https://ex.test/a", HasDate: true, Date: time.Now()}}
	err := Run(context.Background(), mkCfg(), in, items, errs, emitter, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	aerr, ok := err.(*apperrors.Error)
	if !ok || aerr.Type != apperrors.TagDB {
		t.Fatalf("expected db_error, got %v", err)
	}
	if len(emitter.newItems) != 0 {
		t.Fatalf("expected no emits on db error, got %d", len(emitter.newItems))
	}
	if len(errs.logged) != 1 {
		t.Fatalf("expected one error log entry, got %d", len(errs.logged))
	}
}

func TestRunBulkUpsertConnectionLossIsCriticalDBError(t *testing.T) {
	items := &fakeItems{upsertErr: sql.ErrConnDone}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{{Title: "a", URL: "https://ex.test/a", HasDate: true, Date: time.Now()}}
	err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil)
	aerr, ok := err.(*apperrors.Error)
	if !ok || aerr.Type != apperrors.TagDBConnect {
		t.Fatalf("expected db_connect_error, got %v", err)
	}
	if !aerr.Type.Critical() {
		t.Fatalf("expected db_connect_error to be critical")
	}
	if len(emitter.errors) != 1 || emitter.errors[0] != apperrors.TagDBConnect {
		t.Fatalf("expected emitter to see db_connect_error, got %v", emitter.errors)
	}
}

func TestRunProbeErrorPropagatesAsDBError(t *testing.T) {
	items := &fakeItems{probeErr: errors.New("timeout")}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{{Title: "a", URL: "https://ex.test/a", HasDate: true, Date: time.Now()}}
	err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil)
	aerr, ok := err.(*apperrors.Error)
	if !ok || aerr.Type != apperrors.TagDB {
		t.Fatalf("expected db_error, got %v", err)
	}
}

func TestRunDedupAcrossTrackingParams(t *testing.T) {
	items := &fakeItems{}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{
		{Title: "a", URL: "https://ex.test/post?utm_source=x", HasDate: true, Date: time.Now()},
	}
	if err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items.upserted[0].URL != "https://ex.test/post" {
		t.Fatalf("expected tracking param stripped before upsert, got %q", items.upserted[0].URL)
	}
}

func TestRunCanonicalOrdering(t *testing.T) {
	items := &fakeItems{}
	emitter := &fakeEmitter{}

	now := time.Now()
	t1 := now.Add(-3 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	t3 := now.Add(-1 * time.Hour)

	in := []feedsource.Item{
		{Title: "third", URL: "https://ex.test/3", HasDate: true, Date: t3},
		{Title: "first", URL: "https://ex.test/1", HasDate: true, Date: t1},
		{Title: "second", URL: "https://ex.test/2", HasDate: true, Date: t2},
	}
	if err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emitter.newItems) != 3 {
		t.Fatalf("expected 3 new-item events, got %d", len(emitter.newItems))
	}
	if emitter.newItems[0].Title != "first" || emitter.newItems[1].Title != "second" || emitter.newItems[2].Title != "third" {
		t.Fatalf("expected chronological emit order, got %+v", emitter.newItems)
	}
}

func TestRunInvalidDatesSortLast(t *testing.T) {
	items := &fakeItems{}
	emitter := &fakeEmitter{}

	in := []feedsource.Item{
		{Title: "undated", URL: "https://ex.test/undated", HasDate: false},
		{Title: "dated", URL: "https://ex.test/dated", HasDate: true, Date: time.Now()},
	}
	if err := Run(context.Background(), mkCfg(), in, items, nil, emitter, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emitter.newItems[0].Title != "dated" || emitter.newItems[1].Title != "undated" {
		t.Fatalf("expected dated item first, got %+v", emitter.newItems)
	}
}
