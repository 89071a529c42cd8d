// Package scheduler implements the Scheduler/Emitter (C4): it owns the set
// of live feeds and their timers, grounded in the teacher's RSSMonitor
// (monitor.go) but replaced from one shared ticker over a static feed list
// with a per-feed timer supporting add/remove/replace/reload at runtime,
// per spec §4.4 and §5.
package scheduler

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/circuitbreaker"
	"github.com/alek-niko/aggregator/internal/feedsource"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/pipeline"
	"github.com/alek-niko/aggregator/internal/store"
)

// httpClientWithTimeout builds the per-fetch client. Spec §5 requires the
// fetch timeout be strictly less than the shortest supported refresh;
// callers are responsible for configuring HTTPTimeout accordingly.
func httpClientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

const maxBackoffMS = 86_400_000
const maxConsecutiveFailures = 5

// failureState tracks backoff progress for one feed (spec §4.4).
type failureState struct {
	consecutiveFailures int
	originalRefresh     time.Duration
}

// runningFeed is the runtime entry for one live feed task.
type runningFeed struct {
	cfg    store.FeedConfig
	timer  *time.Timer
	cancel chan struct{}
}

// Deps bundles the Scheduler's external collaborators.
type Deps struct {
	Store       store.Store
	Emitter     pipeline.Emitter
	Breakers    *circuitbreaker.Manager
	Metrics     *metrics.Metrics
	UserAgent   string
	Freshness   time.Duration
	HTTPTimeout time.Duration
}

// Scheduler owns every live feed task (C4).
type Scheduler struct {
	deps Deps

	mu       sync.Mutex
	feeds    map[string]*runningFeed // keyed by url
	tracker  map[int64]*failureState // keyed by feed id
	running  bool
}

// New constructs an idle Scheduler; call Init to start polling.
func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:    deps,
		feeds:   make(map[string]*runningFeed),
		tracker: make(map[int64]*failureState),
	}
}

// Init loads every FeedConfig from the store and starts its timer, per
// spec §4.4 `init()`.
func (s *Scheduler) Init(ctx context.Context) int {
	cfgs, err := s.deps.Store.GetAll(ctx)
	if err != nil {
		s.emitError(dbErrorTag(err), nil, "", err.Error())
		return 0
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	started := 0
	for _, cfg := range cfgs {
		if s.startFeed(ctx, cfg) {
			started++
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetActiveFeeds(started)
	}
	return started
}

// Add validates and persists cfg, then (re)starts its timer, per §4.4 `add`.
func (s *Scheduler) Add(ctx context.Context, cfg store.FeedConfig) error {
	if !validConfig(cfg) {
		s.emitError(apperrors.TagType, nil, cfg.URL, "invalid feed config: "+cfg.URL)
		return apperrors.New(apperrors.TagType, "invalid feed config", nil)
	}

	existing, err := s.deps.Store.GetByURL(ctx, cfg.URL)
	if err != nil {
		s.emitError(dbErrorTag(err), nil, cfg.URL, err.Error())
		return err
	}

	if existing == nil {
		id, err := s.deps.Store.Insert(ctx, cfg)
		if err != nil {
			s.emitError(dbErrorTag(err), nil, cfg.URL, err.Error())
			return err
		}
		cfg.ID = id
	} else {
		cfg.ID = existing.ID
		if err := s.deps.Store.Update(ctx, cfg); err != nil {
			s.emitError(dbErrorTag(err), &cfg.ID, cfg.URL, err.Error())
			return err
		}
	}

	s.stopFeed(cfg.URL)
	s.startFeed(ctx, cfg)
	s.refreshActiveFeedsMetric()
	return nil
}

// Remove cancels the feed's timer, clears its runtime entry and tracker
// entry, and deletes its store row. Idempotent per §4.4 `remove`.
func (s *Scheduler) Remove(ctx context.Context, url string) error {
	s.mu.Lock()
	if rf, ok := s.feeds[url]; ok {
		delete(s.tracker, rf.cfg.ID)
	}
	s.mu.Unlock()

	s.stopFeed(url)
	_, err := s.deps.Store.RemoveByURL(ctx, url)
	s.refreshActiveFeedsMetric()
	return err
}

// Replace is remove(url) followed by add(config), per §4.4 `replace`.
func (s *Scheduler) Replace(ctx context.Context, cfg store.FeedConfig) error {
	if err := s.Remove(ctx, cfg.URL); err != nil {
		return err
	}
	return s.Add(ctx, cfg)
}

// UpdateInterval persists newMs and restarts the feed's timer with the new
// period, per §4.4 `updateInterval`. A feed with no running task only has
// its store row updated; a URL absent from the store is a no-op.
func (s *Scheduler) UpdateInterval(ctx context.Context, url string, newMs time.Duration) error {
	s.mu.Lock()
	rf, ok := s.feeds[url]
	s.mu.Unlock()
	if !ok {
		existing, err := s.deps.Store.GetByURL(ctx, url)
		if err != nil || existing == nil {
			return err
		}
		cfg := *existing
		cfg.Refresh = newMs
		return s.deps.Store.Update(ctx, cfg)
	}

	cfg := rf.cfg
	cfg.Refresh = newMs
	if err := s.deps.Store.Update(ctx, cfg); err != nil {
		return err
	}

	s.stopFeed(url)
	s.startFeed(ctx, cfg)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetRefreshMS(url, newMs.Milliseconds())
	}
	return nil
}

// ReloadFeeds stops every timer, clears runtime state, and re-inits from
// the store, per §4.4 `reloadFeeds`.
func (s *Scheduler) ReloadFeeds(ctx context.Context) int {
	s.Destroy()
	return s.Init(ctx)
}

// Destroy cancels every timer and clears all runtime state, per §4.4
// `destroy`, used in graceful shutdown.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	urls := make([]string, 0, len(s.feeds))
	for url := range s.feeds {
		urls = append(urls, url)
	}
	s.running = false
	s.mu.Unlock()

	for _, url := range urls {
		s.stopFeed(url)
	}

	s.mu.Lock()
	s.tracker = make(map[int64]*failureState)
	s.mu.Unlock()
}

// GetFeedConfig returns the runtime view of url's config including the
// currently applied refresh, or nil, per §4.4 `getFeedConfig`.
func (s *Scheduler) GetFeedConfig(url string) *store.FeedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	rf, ok := s.feeds[url]
	if !ok {
		return nil
	}
	cfg := rf.cfg
	return &cfg
}

// Snapshot returns every currently running feed's config, for the admin
// HTTP surface.
func (s *Scheduler) Snapshot() []store.FeedConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.FeedConfig, 0, len(s.feeds))
	for _, rf := range s.feeds {
		out = append(out, rf.cfg)
	}
	return out
}

// Dispatcher adapts a Scheduler to controlplane.Dispatcher, translating the
// inbound command's flat fields into a FeedConfig without the Control
// Plane needing to import this package's config type.
type Dispatcher struct {
	Scheduler *Scheduler
}

func (d Dispatcher) Add(ctx context.Context, url, name string, category, refreshMS int64) error {
	return d.Scheduler.Add(ctx, store.FeedConfig{URL: url, Name: name, Category: category, Refresh: time.Duration(refreshMS) * time.Millisecond})
}

func (d Dispatcher) Remove(ctx context.Context, url string) error {
	return d.Scheduler.Remove(ctx, url)
}

func (d Dispatcher) Replace(ctx context.Context, url, name string, category, refreshMS int64) error {
	return d.Scheduler.Replace(ctx, store.FeedConfig{URL: url, Name: name, Category: category, Refresh: time.Duration(refreshMS) * time.Millisecond})
}

func validConfig(cfg store.FeedConfig) bool {
	return cfg.URL != "" && cfg.Refresh > 0
}

func (s *Scheduler) startFeed(ctx context.Context, cfg store.FeedConfig) bool {
	s.mu.Lock()
	if _, exists := s.feeds[cfg.URL]; exists {
		s.mu.Unlock()
		return false
	}
	rf := &runningFeed{cfg: cfg, cancel: make(chan struct{})}
	s.feeds[cfg.URL] = rf
	s.mu.Unlock()

	go s.runFeedLoop(ctx, rf)
	return true
}

func (s *Scheduler) stopFeed(url string) {
	s.mu.Lock()
	rf, ok := s.feeds[url]
	if ok {
		delete(s.feeds, url)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	close(rf.cancel)
	if rf.timer != nil {
		rf.timer.Stop()
	}
}

// runFeedLoop owns one feed's timer. The first tick fires immediately; a
// tick is never allowed to overlap the next (spec §5 overlap policy):
// runTick runs synchronously inside this goroutine, so the timer can only
// be rearmed once the previous tick has returned.
func (s *Scheduler) runFeedLoop(ctx context.Context, rf *runningFeed) {
	s.runTick(ctx, rf)

	for {
		s.mu.Lock()
		_, stillRunning := s.feeds[rf.cfg.URL]
		s.mu.Unlock()
		if !stillRunning {
			return
		}

		rf.timer = time.NewTimer(rf.cfg.Refresh)
		select {
		case <-ctx.Done():
			return
		case <-rf.cancel:
			return
		case <-rf.timer.C:
			s.mu.Lock()
			current, stillRunning := s.feeds[rf.cfg.URL]
			s.mu.Unlock()
			if !stillRunning {
				return
			}
			rf.cfg = current.cfg
			s.runTick(ctx, rf)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, rf *runningFeed) {
	client := httpClientWithTimeout(s.deps.HTTPTimeout)
	src := feedsource.New(rf.cfg, s.deps.UserAgent, s.deps.Freshness, client)

	fetchStart := time.Now()
	var items []feedsource.Item
	var err error

	key := rf.cfg.URL
	if s.deps.Breakers != nil {
		err = s.deps.Breakers.Execute(key, circuitbreaker.DefaultConfig, func() error {
			var innerErr error
			items, innerErr = src.Fetch(ctx)
			return innerErr
		})
		if err == circuitbreaker.ErrOpen {
			err = apperrors.New(apperrors.TagFetchURL, "circuit breaker open for "+key, err)
		}
	} else {
		items, err = src.Fetch(ctx)
	}

	if s.deps.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.deps.Metrics.RecordFetch(rf.cfg.URL, status, time.Since(fetchStart))
	}

	if err != nil {
		s.handleTickFailure(ctx, rf.cfg, err)
		return
	}

	pipelineErr := pipeline.Run(ctx, rf.cfg, items, s.deps.Store, s.deps.Store, s.deps.Emitter, s.deps.Metrics)
	if pipelineErr != nil {
		s.handleTickFailure(ctx, rf.cfg, pipelineErr)
		return
	}

	s.clearFailures(rf.cfg.ID, rf.cfg.URL)
}

// handleTickFailure implements the backoff state machine from §4.4: only
// fetch_url_error and parse_url_error advance the tracker. Any other
// apperrors tag (db_error, db_connect_error) is emitted with no tracker
// change, and an error of any other type is emitted as internal_error.
func (s *Scheduler) handleTickFailure(ctx context.Context, cfg store.FeedConfig, err error) {
	aerr, ok := err.(*apperrors.Error)
	if !ok {
		s.emitError(apperrors.TagInternal, &cfg.ID, cfg.URL, err.Error())
		return
	}

	if aerr.Type != apperrors.TagFetchURL && aerr.Type != apperrors.TagParseURL {
		s.emitError(aerr.Type, &cfg.ID, cfg.URL, aerr.Message)
		return
	}

	s.emitError(aerr.Type, &cfg.ID, cfg.URL, aerr.Message)

	s.mu.Lock()
	fs, exists := s.tracker[cfg.ID]
	if !exists {
		fs = &failureState{originalRefresh: cfg.Refresh}
		s.tracker[cfg.ID] = fs
	}
	fs.consecutiveFailures++
	failures := fs.consecutiveFailures
	originalRefresh := fs.originalRefresh
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SetBackoffLevel(cfg.URL, failures)
	}

	if failures >= maxConsecutiveFailures {
		log.Printf("feed %s permanently failed after %d consecutive failures", cfg.URL, failures)
		s.mu.Lock()
		delete(s.tracker, cfg.ID)
		s.mu.Unlock()

		s.emitError(apperrors.TagPermanent, &cfg.ID, cfg.URL, "exceeded consecutive failure threshold")
		if s.deps.Store != nil {
			s.deps.Store.Log(ctx, store.ErrorRecord{
				Type:    string(apperrors.TagPermanent),
				FeedID:  &cfg.ID,
				Message: "exceeded consecutive failure threshold",
				Date:    time.Now(),
			})
		}
		s.Remove(ctx, cfg.URL)
		return
	}

	newIntervalMS := originalRefresh.Milliseconds()
	for i := 1; i < failures; i++ {
		newIntervalMS *= 2
	}
	if newIntervalMS > maxBackoffMS {
		newIntervalMS = maxBackoffMS
	}

	s.UpdateInterval(ctx, cfg.URL, time.Duration(newIntervalMS)*time.Millisecond)
}

func (s *Scheduler) clearFailures(feedID int64, url string) {
	s.mu.Lock()
	_, existed := s.tracker[feedID]
	delete(s.tracker, feedID)
	s.mu.Unlock()
	if existed && s.deps.Metrics != nil {
		s.deps.Metrics.ClearBackoffLevel(url)
	}
}

func (s *Scheduler) emitError(tag apperrors.Tag, feedID *int64, url, message string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordError(string(tag))
	}
	if s.deps.Emitter != nil {
		s.deps.Emitter.EmitError(tag, feedID, url, message)
	}
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

func (s *Scheduler) refreshActiveFeedsMetric() {
	if s.deps.Metrics == nil {
		return
	}
	s.mu.Lock()
	n := len(s.feeds)
	s.mu.Unlock()
	s.deps.Metrics.SetActiveFeeds(n)
}
