// Package progress tracks upload progress for clients polling a JSON
// endpoint. Entries are keyed "<remote_addr>_<X-Progress-ID>" and expire
// after a TTL.
package progress

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// HeaderName is the request header or query parameter naming an upload.
const HeaderName = "X-Progress-ID"

// DefaultTTL is how long an upload's progress stays readable.
const DefaultTTL = 10 * time.Minute

// Upload states.
const (
	StateStarting  = "starting"
	StateUploading = "uploading"
	StateDone      = "done"
	StateError     = "error"
)

// Progress is the JSON document returned to pollers.
type Progress struct {
	State    string `json:"state"`
	Received int64  `json:"received"`
	Size     int64  `json:"size"`
}

// Tracker holds the progress of in-flight uploads.
type Tracker struct {
	entries *gocache.Cache
}

// NewTracker creates a tracker whose entries live for ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{entries: gocache.New(ttl, 2*ttl)}
}

// Key builds the cache key of an upload. The port of remoteAddr is dropped
// so the polling connection maps to the uploading one.
func Key(remoteAddr, id string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	return remoteAddr + "_" + id
}

// RequestKey returns the key of r and whether r names an upload.
func RequestKey(r *http.Request) (string, bool) {
	id := r.URL.Query().Get(HeaderName)
	if id == "" {
		id = r.Header.Get(HeaderName)
	}
	if id == "" {
		return "", false
	}
	return Key(r.RemoteAddr, id), true
}

func (t *Tracker) Start(key string, size int64) {
	t.entries.SetDefault(key, Progress{State: StateStarting, Size: size})
}

func (t *Tracker) Update(key string, received int64) {
	p, _ := t.Get(key)
	p.State = StateUploading
	p.Received = received
	t.entries.SetDefault(key, p)
}

func (t *Tracker) Done(key string) {
	p, _ := t.Get(key)
	p.State = StateDone
	t.entries.SetDefault(key, p)
}

func (t *Tracker) Fail(key string) {
	p, _ := t.Get(key)
	p.State = StateError
	t.entries.SetDefault(key, p)
}

// Get returns the progress stored under key.
func (t *Tracker) Get(key string) (Progress, bool) {
	v, ok := t.entries.Get(key)
	if !ok {
		return Progress{}, false
	}
	return v.(Progress), true
}

// CountingReader reports every read to the tracker.
type CountingReader struct {
	r       io.Reader
	tracker *Tracker
	key     string
	n       int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader, tracker *Tracker, key string) *CountingReader {
	return &CountingReader{r: r, tracker: tracker, key: key}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.tracker.Update(c.key, c.n)
	}
	return n, err
}

// Count returns the bytes read so far.
func (c *CountingReader) Count() int64 { return c.n }

type readCloser struct {
	io.Reader
	io.Closer
}

// Filter wraps the body of uploads that carry an X-Progress-ID so their
// progress is recorded while the handler reads them.
func (t *Tracker) Filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := RequestKey(r)
		if !ok || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		t.Start(key, r.ContentLength)
		r.Body = readCloser{Reader: NewCountingReader(r.Body, t, key), Closer: r.Body}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= 400 {
			t.Fail(key)
			return
		}
		t.Done(key)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Handler serves the progress of the upload named by the request as JSON.
func (t *Tracker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := RequestKey(r)
		if !ok {
			http.Error(w, "missing "+HeaderName, http.StatusBadRequest)
			return
		}
		p, found := t.Get(key)
		if !found {
			p = Progress{State: StateStarting}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	})
}
