package caselinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestUploadFileRetriesTransientFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.MultipartForm.Value["field_name"]; len(got) != 1 || got[0] != "cpf" {
			t.Errorf("unexpected field_name: %v", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": []map[string]any{{"id": "doc-1", "field_name": "cpf"}},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "cpf.pdf")
	if err := os.WriteFile(file, []byte("pdf"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c := New(srv.URL)
	res, err := c.UploadFile(context.Background(), "case-1", "cpf", file)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(res.Documents) != 1 || res.Documents[0].FieldName != "cpf" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUploadFileDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "x.pdf")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c := New(srv.URL)
	if _, err := c.UploadFile(context.Background(), "case-1", "cpf", file); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
}

func TestWatchDeliversNewEvents(t *testing.T) {
	var served int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		w.Header().Set("Content-Type", "application/json")
		if after == "" {
			// Initial tail peek.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{"id": 5, "type": "case.created"}},
			})
			return
		}
		if atomic.AddInt32(&served, 1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"id": 6, "type": "note.added", "case_id": "case-1"},
					{"id": 7, "type": "case.step.completed", "case_id": "case-1"},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := New(srv.URL)
	events, _ := c.Watch(ctx, WatchOptions{Interval: 10 * time.Millisecond})

	var got []Event
	for evt := range events {
		got = append(got, evt)
		if len(got) == 2 {
			cancel()
		}
	}
	if len(got) != 2 || got[0].Type != "note.added" || got[1].ID != 7 {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestAPIErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.GetCase(context.Background(), "nope")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}
