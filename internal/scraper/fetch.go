package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Fetcher downloads pages and files, at most Concurrency at a time.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	concurrency int
	force       bool
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Client    *http.Client
	UserAgent string
	// Concurrency bounds parallel downloads (default 4).
	Concurrency int
	// Force downloads files that already exist locally.
	Force bool
}

// NewFetcher creates a fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Fetcher{
		client:      cfg.Client,
		userAgent:   cfg.UserAgent,
		concurrency: cfg.Concurrency,
		force:       cfg.Force,
	}
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scraper: bad url %s: %w", rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scraper: failed to get %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("scraper: get %s: %s", rawURL, resp.Status)
	}
	return resp, nil
}

// Document fetches and parses an HTML page.
func (f *Fetcher) Document(ctx context.Context, rawURL string) (*goquery.Document, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scraper: failed to parse %s: %w", rawURL, err)
	}
	doc.Url, _ = url.Parse(rawURL)
	return doc, nil
}

// Download stores rawURL at dest. An existing dest is kept unless the
// fetcher forces downloads; the result reports whether bytes were fetched.
func (f *Fetcher) Download(ctx context.Context, rawURL, dest string) (bool, error) {
	if !f.force {
		if _, err := os.Stat(dest); err == nil {
			return false, nil
		}
	}
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("scraper: failed to create %s: %w", filepath.Dir(dest), err)
	}
	tmp := dest + ".part-" + uuid.New().String()[:8]
	out, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("scraper: failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return false, fmt.Errorf("scraper: failed to download %s: %w", rawURL, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("scraper: failed to write %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("scraper: failed to move %s: %w", dest, err)
	}
	return true, nil
}

// LocalName is the file name a URL is stored under.
func LocalName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return "index"
	}
	return name
}

// FetchResult is the outcome of FetchAll.
type FetchResult struct {
	// Files holds the local path of every URL, in request order.
	Files      []string
	Downloaded int
	Skipped    int
}

// FetchAll downloads urls into dir in parallel. The first failure is
// returned after every started download has finished.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, dir string) (*FetchResult, error) {
	res := &FetchResult{Files: make([]string, len(urls))}
	for i, u := range urls {
		res.Files[i] = filepath.Join(dir, LocalName(u))
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(u, dest string) {
			defer wg.Done()
			defer sem.Release(1)
			fetched, err := f.Download(ctx, u, dest)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case fetched:
				res.Downloaded++
			default:
				res.Skipped++
			}
		}(u, res.Files[i])
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

// resolve makes href absolute against the page it was found on.
func resolve(doc *goquery.Document, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if doc.Url == nil {
		return ref.String(), nil
	}
	return doc.Url.ResolveReference(ref).String(), nil
}
