package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAccountLogin(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/accounts/930896af-bf8c-48d4-885c-6573a94b1853":
			w.Write([]byte(`{"type":"account","account":{"uuid":"930896af-bf8c-48d4-885c-6573a94b1853","login":"acme"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		login, err := c.AccountLogin(context.Background(), "930896af-bf8c-48d4-885c-6573a94b1853")
		if err != nil || login != "acme" {
			t.Fatalf("AccountLogin = %q, %v", login, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached second lookup, got %d requests", hits.Load())
	}

	now = now.Add(DefaultTTL + time.Second)
	if _, err := c.AccountLogin(context.Background(), "930896af-bf8c-48d4-885c-6573a94b1853"); err != nil {
		t.Fatalf("AccountLogin after expiry: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expired entry should be refetched, got %d requests", hits.Load())
	}

	if _, err := c.AccountLogin(context.Background(), "missing"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New("  ", nil); err == nil {
		t.Fatalf("expected error")
	}
}
