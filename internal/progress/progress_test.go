package progress

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	tests := []struct {
		addr, id, want string
	}{
		{"10.0.0.1:5123", "abc", "10.0.0.1_abc"},
		{"10.0.0.1", "abc", "10.0.0.1_abc"},
		{"[::1]:80", "x", "::1_x"},
	}
	for _, tt := range tests {
		if got := Key(tt.addr, tt.id); got != tt.want {
			t.Errorf("Key(%q, %q) = %q, want %q", tt.addr, tt.id, got, tt.want)
		}
	}
}

func TestCountingReader(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Start("k", 10)
	r := NewCountingReader(strings.NewReader("0123456789"), tr, "k")
	buf := make([]byte, 4)
	r.Read(buf)
	if p, _ := tr.Get("k"); p.Received != 4 || p.State != StateUploading || p.Size != 10 {
		t.Errorf("after one read: %+v", p)
	}
	io.Copy(io.Discard, r)
	if r.Count() != 10 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestFilterAndHandler(t *testing.T) {
	tr := NewTracker(time.Minute)
	var seen int
	upload := tr.Filter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = len(b)
		if bytes.Contains(b, []byte("bad")) {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/datasets?X-Progress-ID=u1", strings.NewReader("payload"))
	req.RemoteAddr = "192.0.2.7:4000"
	upload.ServeHTTP(httptest.NewRecorder(), req)
	if seen != 7 {
		t.Fatalf("handler read %d bytes", seen)
	}

	poll := httptest.NewRequest(http.MethodGet, "/progress", nil)
	poll.Header.Set(HeaderName, "u1")
	poll.RemoteAddr = "192.0.2.7:4999"
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, poll)
	var p Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.State != StateDone || p.Received != 7 || p.Size != 7 {
		t.Errorf("progress = %+v", p)
	}

	req = httptest.NewRequest(http.MethodPost, "/datasets?X-Progress-ID=u2", strings.NewReader("bad"))
	req.RemoteAddr = "192.0.2.7:4001"
	upload.ServeHTTP(httptest.NewRecorder(), req)
	if p, _ := tr.Get(Key("192.0.2.7", "u2")); p.State != StateError {
		t.Errorf("failed upload state = %s", p.State)
	}
}

func TestHandlerUnknownAndMissing(t *testing.T) {
	tr := NewTracker(time.Minute)
	rec := httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	tr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress?X-Progress-ID=zz", nil))
	if !strings.Contains(rec.Body.String(), `"state":"starting"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestEntriesExpire(t *testing.T) {
	tr := NewTracker(20 * time.Millisecond)
	tr.Start("k", 1)
	time.Sleep(50 * time.Millisecond)
	if _, ok := tr.Get("k"); ok {
		t.Error("entry should have expired")
	}
}
