package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendersync/rendersyncd/internal/history"
)

func TestSinkSend(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL, "supervision-history")
	e := history.Event{
		Type:       history.EventEviction,
		OccurredAt: time.Now().UTC(),
		Kind:       "daemon",
		PID:        999,
		Port:       8080,
		Method:     "forced",
	}
	if err := s.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/supervision-history/_doc" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	var decoded history.Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if decoded.Type != history.EventEviction || decoded.PID != 999 {
		t.Fatalf("unexpected event %+v", decoded)
	}
}

func TestSinkSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(srv.URL, "idx")
	if err := s.Send(context.Background(), history.Event{Type: history.EventAppStart}); err == nil {
		t.Fatalf("expected error on 400 response")
	}
}
