package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type fakeSetter struct {
	mu      sync.Mutex
	weather []interface{}
	tides   []interface{}
}

func (f *fakeSetter) SetWeatherData(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weather = append(f.weather, v)
	return nil
}

func (f *fakeSetter) SetTideData(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tides = append(f.tides, v)
	return nil
}

func TestPollerFetchesOnStart(t *testing.T) {
	weather := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"temperature": 18.5, "windSpeed": 12}`))
	}))
	defer weather.Close()
	tides := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"extremes": [{"type": "high", "height": 3.1}]}`))
	}))
	defer tides.Close()

	sink := &fakeSetter{}
	p, err := NewPoller(Options{
		State:      sink,
		Logger:     zap.NewNop(),
		WeatherURL: weather.URL,
		TideURL:    tides.URL,
	})
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}

	p.Start(context.Background())
	defer p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.weather) != 1 || len(sink.tides) != 1 {
		t.Fatalf("expected one immediate fetch each, got weather=%d tides=%d", len(sink.weather), len(sink.tides))
	}
	doc := sink.weather[0].(map[string]interface{})
	if doc["temperature"] != 18.5 {
		t.Fatalf("unexpected weather payload %v", doc)
	}
}

func TestPollerSkipsUnconfiguredFeeds(t *testing.T) {
	p, err := NewPoller(Options{State: &fakeSetter{}, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}
	if len(p.feeds) != 0 {
		t.Fatalf("expected no feeds without URLs, got %d", len(p.feeds))
	}
}

func TestPollerRejectsBadSchedule(t *testing.T) {
	_, err := NewPoller(Options{
		State:           &fakeSetter{},
		WeatherURL:      "http://example.invalid/weather",
		WeatherSchedule: "not a schedule",
	})
	if err == nil {
		t.Fatal("expected schedule validation error")
	}
}

func TestPollerToleratesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &fakeSetter{}
	p, err := NewPoller(Options{State: sink, Logger: zap.NewNop(), WeatherURL: srv.URL})
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}

	p.poll(context.Background(), p.feeds[0])

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.weather) != 0 {
		t.Fatal("failed fetch must not write state")
	}
}

func TestPollerToleratesMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"broken":`))
	}))
	defer srv.Close()

	sink := &fakeSetter{}
	p, err := NewPoller(Options{State: sink, Logger: zap.NewNop(), WeatherURL: srv.URL})
	if err != nil {
		t.Fatalf("NewPoller error: %v", err)
	}

	p.poll(context.Background(), p.feeds[0])

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.weather) != 0 {
		t.Fatal("malformed body must not write state")
	}
}
