package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func TestAPIProviderEmbed(t *testing.T) {
	// APIProvider posts to endpoint+"/embeddings", so we use a mux.
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		resp := apiResponse{
			Data: []apiEmbeddingData{
				{Embedding: []float32{0.1, 0.2, 0.3}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if len(vectors[0]) != 3 {
		t.Fatalf("got dimension %d, want 3", len(vectors[0]))
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 128,
	})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 256,
	})

	// Before any Embed call, Dimension should return the configured default.
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(64)
	a, _ := p.Embed(context.Background(), []string{"release planning meeting", "release planning meeting"})
	if !reflect.DeepEqual(a[0], a[1]) {
		t.Error("identical input produced different vectors")
	}
	b, _ := NewHashProvider(64).Embed(context.Background(), []string{"release planning meeting"})
	if !reflect.DeepEqual(a[0], b[0]) {
		t.Error("vectors differ across provider instances")
	}
	if len(a[0]) != 64 {
		t.Errorf("got dimension %d, want 64", len(a[0]))
	}
	var norm float32
	for _, v := range a[0] {
		norm += v * v
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("vector not unit length: %v", norm)
	}
}

func TestResilientFallsBackAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewResilient(NewAPIProvider(Config{Endpoint: srv.URL, Dimension: 32}), 32, time.Second, 4, zap.NewNop())
	r.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	vecs, degraded, err := r.EmbedWithStatus(context.Background(), []string{"alpha beta"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !degraded {
		t.Error("expected degraded result")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("got %d attempts, want 4", got)
	}
	want, _ := NewHashProvider(32).Embed(context.Background(), []string{"alpha beta"})
	if !reflect.DeepEqual(vecs, want) {
		t.Error("fallback vectors are not the deterministic placeholder")
	}
}

func TestResilientClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewResilient(NewAPIProvider(Config{Endpoint: srv.URL, Dimension: 8}), 8, time.Second, 3, zap.NewNop())
	r.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	_, degraded, err := r.EmbedWithStatus(context.Background(), []string{"x"})
	if err != nil || !degraded {
		t.Fatalf("expected degraded success, got degraded=%v err=%v", degraded, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestResilientPrimarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Data: []apiEmbeddingData{{Embedding: []float32{1, 0}}}})
	}))
	defer srv.Close()

	r := New(Config{Provider: "api", Endpoint: srv.URL, Dimension: 2}, zap.NewNop())
	vecs, degraded, err := r.EmbedWithStatus(context.Background(), []string{"x"})
	if err != nil || degraded {
		t.Fatalf("expected primary result, degraded=%v err=%v", degraded, err)
	}
	if !reflect.DeepEqual(vecs[0], []float32{1, 0}) {
		t.Errorf("got %v", vecs[0])
	}
}

func TestNewWithoutPrimaryUsesPlaceholder(t *testing.T) {
	r := New(Config{Provider: "hash", Dimension: 16}, zap.NewNop())
	_, degraded, err := r.EmbedWithStatus(context.Background(), []string{"x"})
	if err != nil || !degraded {
		t.Fatalf("expected placeholder vectors, degraded=%v err=%v", degraded, err)
	}
	if r.Dimension() != 16 {
		t.Errorf("got dimension %d, want 16", r.Dimension())
	}
}
