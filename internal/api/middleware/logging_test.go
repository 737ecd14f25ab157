package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerRecordsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry struct {
		Method     string `json:"method"`
		Path       string `json:"path"`
		Status     int    `json:"status"`
		Bytes      int    `json:"bytes"`
		RemoteAddr string `json:"remote_addr"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v: %s", err, buf.String())
	}
	if entry.Method != "GET" || entry.Path != "/conversations" {
		t.Fatalf("unexpected request fields: %+v", entry)
	}
	if entry.Status != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, entry.Status)
	}
	if entry.Bytes != len("short and stout") {
		t.Fatalf("expected %d bytes written, got %d", len("short and stout"), entry.Bytes)
	}
	// The proxied client address wins over the socket peer.
	if entry.RemoteAddr != "203.0.113.7" {
		t.Fatalf("expected forwarded client IP, got %q", entry.RemoteAddr)
	}
}
