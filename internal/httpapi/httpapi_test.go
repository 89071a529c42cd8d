package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alek-niko/aggregator/internal/config"
	"github.com/alek-niko/aggregator/internal/store"
)

type fakeSnapshotter struct {
	feeds []store.FeedConfig
}

func (f fakeSnapshotter) Snapshot() []store.FeedConfig { return f.feeds }

func testConfig() *config.Config {
	cfg := config.Load()
	return cfg
}

func TestGetFeedsReturnsSnapshot(t *testing.T) {
	snap := fakeSnapshotter{feeds: []store.FeedConfig{{ID: 1, URL: "https://ex.test/a"}}}
	s := New(testConfig(), snap, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []store.FeedConfig
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].URL != "https://ex.test/a" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestHealthCheck(t *testing.T) {
	s := New(testConfig(), fakeSnapshotter{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestGetFeedsRejectsNonGET(t *testing.T) {
	s := New(testConfig(), fakeSnapshotter{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/feeds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := New(testConfig(), fakeSnapshotter{}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/feeds", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS header set")
	}
}
