package kg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheKeyNormalizesWhitespaceAndValuesOrder(t *testing.T) {
	a := cacheKey("query", "SELECT ?x WHERE { VALUES ?x { wd:Q2 wd:Q1 } }")
	b := cacheKey("query", "SELECT  ?x   WHERE {\n VALUES ?x { wd:Q1 wd:Q2 }\n}")

	if a != b {
		t.Errorf("expected normalized cache keys to match, got %q vs %q", a, b)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	c, err := openCache(path)
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}

	raw, _ := json.Marshal([]Binding{{"item": "Q1"}})
	c.set("k1", raw)
	if err := c.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := openCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.get("k1")
	if !ok {
		t.Fatal("expected cache entry to survive a flush/reopen cycle")
	}
	var bindings []Binding
	if err := json.Unmarshal(got, &bindings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(bindings) != 1 || bindings[0]["item"] != "Q1" {
		t.Errorf("bindings = %v, want [{item: Q1}]", bindings)
	}
}

func TestProbeCountReturnsUnboundedOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"results":{"bindings":[]}}`))
	}))
	defer srv.Close()

	gw, err := New(Config{
		Endpoint:  srv.URL,
		UserAgent: "test-agent/1.0",
		CachePath: filepath.Join(t.TempDir(), "cache.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	count := gw.ProbeCount(context.Background(), "SELECT ?x WHERE { ?x ?p ?o }", 1000, 1*time.Millisecond)
	if count < 999_999_999 {
		t.Errorf("count = %d, want the unbounded sentinel", count)
	}
}

func TestExecuteSecondCallHitsCache(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"results":{"bindings":[{"item":{"value":"http://www.wikidata.org/entity/Q42"}}]}}`))
	}))
	defer srv.Close()

	gw, err := New(Config{
		Endpoint:  srv.URL,
		UserAgent: "test-agent/1.0",
		CachePath: filepath.Join(t.TempDir(), "cache.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const query = "SELECT ?item WHERE { ?item wdt:P57 wd:Q123 }"
	first, err := gw.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := gw.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if requests != 1 {
		t.Errorf("server saw %d requests, want 1 (second call must be served from cache)", requests)
	}
	if len(first) != 1 || len(second) != 1 || second[0]["item"] != first[0]["item"] {
		t.Errorf("cached result diverged: first=%v second=%v", first, second)
	}
}

func TestExecuteSurfacesBadRequestWithoutRetry(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "malformed query", http.StatusBadRequest)
	}))
	defer srv.Close()

	gw, err := New(Config{
		Endpoint:       srv.URL,
		UserAgent:      "test-agent/1.0",
		CachePath:      filepath.Join(t.TempDir(), "cache.json"),
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = gw.Execute(context.Background(), "SELECT ?x WHERE { broken")
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("a 4xx should not be reported as unavailability: %v", err)
	}
	if requests != 1 {
		t.Errorf("server saw %d requests, want 1 (no retry on 4xx)", requests)
	}
}

func TestProbeCountReturnsRowCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":{"bindings":[{"x":{"value":"Q1"}},{"x":{"value":"Q2"}}]}}`))
	}))
	defer srv.Close()

	gw, err := New(Config{
		Endpoint:  srv.URL,
		UserAgent: "test-agent/1.0",
		CachePath: filepath.Join(t.TempDir(), "cache.json"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	count := gw.ProbeCount(context.Background(), "SELECT ?x WHERE { ?x ?p ?o }", 1000, time.Second)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
