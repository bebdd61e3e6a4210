// Package scraper imports datasets from public repositories. Each Source
// lists items on its index pages and, once an item's files are downloaded,
// plans the datasets and tasks to create from them; the Controller runs that
// loop against the ingestion pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/records"
)

// Item is one entry of a source index.
type Item struct {
	Name string
	// Page is where the item was found; it becomes the record's source URL.
	Page         string
	URLs         []string
	Publications []records.Publication
}

// Action is one dataset to create from an item's files. With SplitFiles
// set, a task over the dataset is created too.
type Action struct {
	Name       string
	Path       string
	Format     format.Format
	SplitFiles []string
}

// Source is a repository to scrape.
type Source interface {
	Name() string
	// Discover lists the items of the repository.
	Discover(ctx context.Context, f *Fetcher) ([]Item, error)
	// Plan turns the downloaded files of it, stored in dir, into actions.
	Plan(ctx context.Context, it Item, files []string, dir string) ([]Action, error)
}

// Mode selects which steps of the pipeline run.
type Mode int

const (
	// ModeDefault downloads new items and adds them.
	ModeDefault Mode = iota
	// ModeAddOnly adds previously downloaded files without downloading.
	ModeAddOnly
	// ModeDownloadOnly downloads without adding.
	ModeDownloadOnly
	// ModeConvertExist converts existing records again from local files.
	ModeConvertExist
)

func (m Mode) String() string {
	switch m {
	case ModeAddOnly:
		return "add-only"
	case ModeDownloadOnly:
		return "download-only"
	case ModeConvertExist:
		return "convert-exist"
	}
	return "default"
}

// Ingester is the part of the ingestion controller the scraper drives.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*records.Dataset, error)
	Reingest(ctx context.Context, slug, path string, req ingest.Request) (*records.Dataset, error)
	RegisterTask(ctx context.Context, req ingest.TaskRequest) (*records.Task, error)
}

// Lookup finds existing records by scraped name.
type Lookup interface {
	FindDatasetByName(ctx context.Context, name string) (*records.Dataset, error)
}

// Options configure a run.
type Options struct {
	OutputDir string
	Mode      Mode
	Verbose   bool
}

// Report counts what a run did.
type Report struct {
	Items       int
	Downloaded  int
	Added       int
	Reconverted int
	Tasks       int
	Skipped     int
	Failed      int
}

// Controller runs sources.
type Controller struct {
	fetch    *Fetcher
	ingester Ingester
	lookup   Lookup
	metrics  *observability.Metrics
	opts     Options
}

// NewController creates a controller. metrics may be nil.
func NewController(fetch *Fetcher, ingester Ingester, lookup Lookup, metrics *observability.Metrics, opts Options) *Controller {
	return &Controller{fetch: fetch, ingester: ingester, lookup: lookup, metrics: metrics, opts: opts}
}

// Run scrapes every source in turn. Item failures are counted and logged;
// only a source whose index cannot be read stops the run.
func (c *Controller) Run(ctx context.Context, sources ...Source) (*Report, error) {
	report := &Report{}
	for _, src := range sources {
		items, err := src.Discover(ctx, c.fetch)
		if err != nil {
			return report, fmt.Errorf("scraper: failed to list %s: %w", src.Name(), err)
		}
		log.Printf("scraper: %s lists %d items (%s)", src.Name(), len(items), c.opts.Mode)
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Items++
			err := c.handle(ctx, src, it, report)
			c.metrics.ObserveScraperItem(src.Name(), err)
			if err != nil {
				report.Failed++
				log.Printf("scraper: %s: %s: %v", src.Name(), it.Name, err)
			}
		}
	}
	return report, nil
}

func (c *Controller) handle(ctx context.Context, src Source, it Item, report *Report) error {
	if c.opts.Mode == ModeDefault {
		exists, err := c.exists(ctx, it.Name)
		if err != nil {
			return err
		}
		if exists {
			report.Skipped++
			c.verbosef("skip %s: already added", it.Name)
			return nil
		}
	}

	dir := filepath.Join(c.opts.OutputDir, src.Name(), ingest.Slug(it.Name))
	files, err := c.files(ctx, it, dir, report)
	if err != nil {
		return err
	}
	if c.opts.Mode == ModeDownloadOnly {
		return nil
	}

	actions, err := src.Plan(ctx, it, files, dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, a := range actions {
		if err := c.apply(ctx, src, it, a, report); err != nil {
			log.Printf("scraper: %s: %s: %v", src.Name(), a.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// files returns the local copies of the item's files, downloading them
// unless the mode works on local files only.
func (c *Controller) files(ctx context.Context, it Item, dir string, report *Report) ([]string, error) {
	local := make([]string, len(it.URLs))
	missing := false
	for i, u := range it.URLs {
		local[i] = filepath.Join(dir, LocalName(u))
		if _, err := os.Stat(local[i]); err != nil {
			missing = true
		}
	}
	switch c.opts.Mode {
	case ModeAddOnly:
		if missing {
			return nil, fmt.Errorf("scraper: %s has not been downloaded to %s", it.Name, dir)
		}
		return local, nil
	case ModeConvertExist:
		if !missing {
			return local, nil
		}
	}

	res, err := c.fetch.FetchAll(ctx, it.URLs, dir)
	if err != nil {
		return nil, err
	}
	report.Downloaded += res.Downloaded
	c.verbosef("%s: %d downloaded, %d present", it.Name, res.Downloaded, res.Skipped)
	return res.Files, nil
}

func (c *Controller) apply(ctx context.Context, src Source, it Item, a Action, report *Report) error {
	existing, err := c.lookup.FindDatasetByName(ctx, a.Name)
	if err != nil && !errors.Is(err, mlerrors.ErrRecordNotFound) {
		return err
	}
	req := ingest.Request{
		Name:         a.Name,
		Path:         a.Path,
		Format:       a.Format,
		Tags:         []string{records.TagScraped, strings.ToLower(src.Name())},
		SourceURL:    it.Page,
		Publications: it.Publications,
		Approved:     true,
		Public:       true,
		RetrySlug:    true,
	}

	var rec *records.Dataset
	switch {
	case existing != nil && c.opts.Mode == ModeConvertExist:
		rec, err = c.ingester.Reingest(ctx, existing.Slug, a.Path, req)
		if err != nil {
			return err
		}
		report.Reconverted++
		c.verbosef("reconverted %s", rec.Slug)
		return nil
	case existing != nil:
		report.Skipped++
		c.verbosef("skip %s: already added", a.Name)
		return nil
	}

	rec, err = c.ingester.Ingest(ctx, req)
	if err != nil {
		return err
	}
	report.Added++
	c.verbosef("added %s as %s", a.Name, rec.Slug)

	if len(a.SplitFiles) == 0 || rec.HasTag(records.TagConversionFailed) {
		return nil
	}
	t, err := c.ingester.RegisterTask(ctx, ingest.TaskRequest{
		Name:        a.Name,
		DatasetSlug: rec.Slug,
		SplitFiles:  a.SplitFiles,
		Public:      true,
	})
	if err != nil {
		return err
	}
	report.Tasks++
	c.verbosef("added task %s", t.Slug)
	return nil
}

func (c *Controller) exists(ctx context.Context, name string) (bool, error) {
	_, err := c.lookup.FindDatasetByName(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mlerrors.ErrRecordNotFound):
		return false, nil
	}
	return false, err
}

func (c *Controller) verbosef(format string, args ...interface{}) {
	if c.opts.Verbose {
		log.Printf("scraper: "+format, args...)
	}
}

var quoted = regexp.MustCompile(`["\x{201C}]([^"\x{201D}]+)["\x{201D}]`)

// Publication builds a publication from a citation: the first quoted run
// is the title, the whole citation the body.
func Publication(citation string) records.Publication {
	citation = strings.Join(strings.Fields(citation), " ")
	title := citation
	if m := quoted.FindStringSubmatch(citation); m != nil {
		title = strings.TrimSpace(m[1])
	}
	return records.Publication{Title: title, Body: citation}
}

// citations collects the publications in sel: elements of class citation,
// at the top level of sel or below it.
func citations(sel *goquery.Selection) []records.Publication {
	var out []records.Publication
	sel.Filter(".citation").AddSelection(sel.Find(".citation")).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			out = append(out, Publication(text))
		}
	})
	return out
}
