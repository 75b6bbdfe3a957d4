package repairhttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/MendForge/internal/adapter/repairhttp"
	"github.com/Strob0t/MendForge/internal/config"
	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/port/repair"
)

func newClient(url string) *repairhttp.Client {
	return repairhttp.NewClient(config.Repair{
		URL:     url,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/repair" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req repair.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.OriginalLocator.Value != "#checkout-btn" {
			t.Fatalf("unexpected original locator: %q", req.OriginalLocator.Value)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(repair.Response{
			CandidateSelector: "button[data-action='checkout']",
			Kind:              locator.KindStructural,
		})
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	resp, err := client.Generate(context.Background(), repair.Request{
		HTMLFragment: "<div><button data-action='checkout'>Buy</button></div>",
		OriginalLocator: locator.Strategy{
			Kind:  locator.KindStructural,
			Value: "#checkout-btn",
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.CandidateSelector != "button[data-action='checkout']" {
		t.Fatalf("unexpected selector: %q", resp.CandidateSelector)
	}
	if resp.Kind != locator.KindStructural {
		t.Fatalf("unexpected kind: %q", resp.Kind)
	}
}

func TestGenerateEmptySelector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidate_selector":""}`))
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	_, err := client.Generate(context.Background(), repair.Request{})
	if !errors.Is(err, domain.ErrRepairUnavailable) {
		t.Fatalf("expected ErrRepairUnavailable, got %v", err)
	}
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model overloaded"}`))
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	_, err := client.Generate(context.Background(), repair.Request{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestGenerateNoURL(t *testing.T) {
	client := newClient("")
	_, err := client.Generate(context.Background(), repair.Request{})
	if !errors.Is(err, domain.ErrRepairUnavailable) {
		t.Fatalf("expected ErrRepairUnavailable, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	healthy, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !healthy {
		t.Fatal("expected healthy")
	}
}
