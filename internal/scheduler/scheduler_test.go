package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/pipeline"
	"github.com/alek-niko/aggregator/internal/store"
)

type fakeStore struct {
	feeds      map[string]store.FeedConfig
	nextID     int64
	updates    []store.FeedConfig
	removed    []string
	loggedErrs []store.ErrorRecord
	getAllErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{feeds: make(map[string]store.FeedConfig)}
}

func (f *fakeStore) GetAll(ctx context.Context) ([]store.FeedConfig, error) {
	if f.getAllErr != nil {
		return nil, f.getAllErr
	}
	out := make([]store.FeedConfig, 0, len(f.feeds))
	for _, c := range f.feeds {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) GetByURL(ctx context.Context, url string) (*store.FeedConfig, error) {
	c, ok := f.feeds[url]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeStore) Insert(ctx context.Context, cfg store.FeedConfig) (int64, error) {
	f.nextID++
	cfg.ID = f.nextID
	f.feeds[cfg.URL] = cfg
	return cfg.ID, nil
}

func (f *fakeStore) Update(ctx context.Context, cfg store.FeedConfig) error {
	f.updates = append(f.updates, cfg)
	f.feeds[cfg.URL] = cfg
	return nil
}

func (f *fakeStore) RemoveByURL(ctx context.Context, url string) (int64, error) {
	f.removed = append(f.removed, url)
	if _, ok := f.feeds[url]; !ok {
		return 0, nil
	}
	delete(f.feeds, url)
	return 1, nil
}

func (f *fakeStore) BulkUpsertIgnoringDuplicates(ctx context.Context, rows []store.ItemRow) error {
	return nil
}

func (f *fakeStore) FindInsertedSince(ctx context.Context, website int64, urls []string, since time.Time) ([]store.InsertedItem, error) {
	return nil, nil
}

func (f *fakeStore) Log(ctx context.Context, rec store.ErrorRecord) {
	f.loggedErrs = append(f.loggedErrs, rec)
}

func (f *fakeStore) Close() error { return nil }

// trackingEmitter implements pipeline.Emitter for these tests.
type trackingEmitter struct {
	newItems []pipeline.NewItemEvent
	errs     []apperrors.Tag
}

func (t *trackingEmitter) EmitNewItem(e pipeline.NewItemEvent) { t.newItems = append(t.newItems, e) }
func (t *trackingEmitter) EmitError(tag apperrors.Tag, feedID *int64, url, message string) {
	t.errs = append(t.errs, tag)
}

func TestBackoffDoublesPerFailure(t *testing.T) {
	st := newFakeStore()
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: 1000 * time.Millisecond}
	st.feeds[cfg.URL] = cfg

	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})

	fetchErr := apperrors.New(apperrors.TagFetchURL, "boom", nil)

	s.handleTickFailure(context.Background(), cfg, fetchErr)
	s.handleTickFailure(context.Background(), cfg, fetchErr)
	s.handleTickFailure(context.Background(), cfg, fetchErr)

	if len(st.updates) != 3 {
		t.Fatalf("expected 3 interval updates, got %d", len(st.updates))
	}
	// failures: 1 -> 1000ms, 2 -> 2000ms, 3 -> 4000ms
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond}
	for i, w := range want {
		if st.updates[i].Refresh != w {
			t.Fatalf("update %d: expected refresh %v, got %v", i, w, st.updates[i].Refresh)
		}
	}
}

func TestBackoffCapsAt24Hours(t *testing.T) {
	st := newFakeStore()
	// 10h doubles to 20h, then 40h and 80h, so the last two updates exceed
	// the 24h cap.
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: 10 * time.Hour}
	st.feeds[cfg.URL] = cfg

	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})
	fetchErr := apperrors.New(apperrors.TagFetchURL, "boom", nil)

	for i := 0; i < 4; i++ {
		s.handleTickFailure(context.Background(), cfg, fetchErr)
	}

	last := st.updates[len(st.updates)-1]
	if last.Refresh.Milliseconds() > maxBackoffMS {
		t.Fatalf("expected refresh capped at %dms, got %dms", maxBackoffMS, last.Refresh.Milliseconds())
	}
}

func TestPermanentFailureAfterFiveConsecutive(t *testing.T) {
	st := newFakeStore()
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: time.Minute}
	st.feeds[cfg.URL] = cfg

	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})
	fetchErr := apperrors.New(apperrors.TagFetchURL, "boom", nil)

	for i := 0; i < maxConsecutiveFailures; i++ {
		s.handleTickFailure(context.Background(), cfg, fetchErr)
	}

	if len(st.removed) != 1 || st.removed[0] != cfg.URL {
		t.Fatalf("expected feed removed after threshold, got %v", st.removed)
	}
	if _, tracked := s.tracker[cfg.ID]; tracked {
		t.Fatal("expected tracker entry evicted after permanent failure")
	}

	foundPermanent := false
	for _, tag := range em.errs {
		if tag == apperrors.TagPermanent {
			foundPermanent = true
		}
	}
	if !foundPermanent {
		t.Fatalf("expected permanent_failure emitted, got %v", em.errs)
	}
}

func TestDBErrorDoesNotMutateTracker(t *testing.T) {
	st := newFakeStore()
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: time.Minute}
	st.feeds[cfg.URL] = cfg

	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})

	dbErr := apperrors.New(apperrors.TagDB, "connection reset", errors.New("x"))
	s.handleTickFailure(context.Background(), cfg, dbErr)

	if _, tracked := s.tracker[cfg.ID]; tracked {
		t.Fatal("expected db_error to leave tracker untouched")
	}
	if len(st.updates) != 0 {
		t.Fatalf("expected no interval update on db_error, got %d", len(st.updates))
	}
}

func TestClearFailuresEvictsTrackerEntry(t *testing.T) {
	st := newFakeStore()
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: time.Minute}
	st.feeds[cfg.URL] = cfg

	s := New(Deps{Store: st, Emitter: &trackingEmitter{}})
	fetchErr := apperrors.New(apperrors.TagFetchURL, "boom", nil)
	s.handleTickFailure(context.Background(), cfg, fetchErr)

	if _, tracked := s.tracker[cfg.ID]; !tracked {
		t.Fatal("expected tracker entry after first failure")
	}

	s.clearFailures(cfg.ID, cfg.URL)
	if _, tracked := s.tracker[cfg.ID]; tracked {
		t.Fatal("expected tracker entry evicted on success")
	}
}

func TestAddRejectsInvalidConfig(t *testing.T) {
	st := newFakeStore()
	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})

	err := s.Add(context.Background(), store.FeedConfig{URL: ""})
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
	aerr, ok := err.(*apperrors.Error)
	if !ok || aerr.Type != apperrors.TagType {
		t.Fatalf("expected type_error, got %v", err)
	}
}

func TestInitConnectionLossEmitsCriticalDBError(t *testing.T) {
	st := newFakeStore()
	st.getAllErr = sql.ErrConnDone
	em := &trackingEmitter{}
	s := New(Deps{Store: st, Emitter: em})

	started := s.Init(context.Background())
	if started != 0 {
		t.Fatalf("expected 0 feeds started on GetAll failure, got %d", started)
	}
	if len(em.errs) != 1 || em.errs[0] != apperrors.TagDBConnect {
		t.Fatalf("expected db_connect_error emitted, got %v", em.errs)
	}
	if !em.errs[0].Critical() {
		t.Fatalf("expected db_connect_error to be critical")
	}
}

func TestReloadFeedsIsDestroyThenInit(t *testing.T) {
	st := newFakeStore()
	cfg := store.FeedConfig{ID: 1, URL: "https://ex.test/feed", Refresh: time.Hour}
	st.feeds[cfg.URL] = cfg

	s := New(Deps{Store: st, Emitter: &trackingEmitter{}})
	started := s.Init(context.Background())
	if started != 1 {
		t.Fatalf("expected 1 feed started, got %d", started)
	}

	if reloaded := s.ReloadFeeds(context.Background()); reloaded != 1 {
		t.Fatalf("expected reload to restart 1 feed, got %d", reloaded)
	}
	s.Destroy()
}
