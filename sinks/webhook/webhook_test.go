package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivermint/policygate/eventbus"
)

func TestValidateOutboundURLRejectsPrivateRanges(t *testing.T) {
	cases := []string{
		"http://127.0.0.1/hook",
		"http://localhost/hook",
		"http://10.0.0.5/hook",
		"http://172.16.0.1/hook",
		"http://192.168.1.1/hook",
		"http://169.254.1.1/hook",
		"ftp://example.com/hook",
		"not a url",
	}
	for _, raw := range cases {
		if err := validateOutboundURL(raw); err == nil {
			t.Errorf("validateOutboundURL(%q) = nil, want error", raw)
		}
	}
}

func TestValidateOutboundURLAllowsPublicHTTPS(t *testing.T) {
	if err := validateOutboundURL("https://hooks.example.com/incoming"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostDeliversEventJSON(t *testing.T) {
	var received eventbus.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Errorf("missing User-Agent")
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	event := eventbus.NewEvent(eventbus.Event{User: "u1", Plan: "pro", Endpoint: "POST /x", Type: eventbus.TypeBlocked})
	if err := sink.Post(context.Background(), event); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if received.User != "u1" || received.Type != eventbus.TypeBlocked {
		t.Errorf("received = %+v", received)
	}
}

func TestPost4xxIsTerminalNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = sink.Post(context.Background(), eventbus.NewEvent(eventbus.Event{Type: eventbus.TypeBlocked}))
	if err == nil {
		t.Fatal("expected error for 4xx")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want exactly 1 (4xx must not retry)", calls)
	}
}

func TestPostTripsBreakerAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = sink.Post(context.Background(), eventbus.NewEvent(eventbus.Event{Type: eventbus.TypeBlocked}))
	}

	if !sink.cb.Open() {
		t.Fatal("expected circuit breaker to be open after 5 consecutive failures")
	}

	err = sink.Post(context.Background(), eventbus.NewEvent(eventbus.Event{Type: eventbus.TypeBlocked}))
	if err != ErrBreakerOpen {
		t.Errorf("Post while open = %v, want ErrBreakerOpen", err)
	}
}

func TestHandlerMatchesEventbusHandlerSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bus := eventbus.New()
	done := make(chan error, 1)
	bus.OnAsync(func(e eventbus.Event) error {
		err := sink.Handler()(e)
		done <- err
		return err
	})
	bus.Emit(eventbus.NewEvent(eventbus.Event{Type: eventbus.TypeAllowed}))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("handler returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run in time")
	}
}
