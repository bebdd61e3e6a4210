package scraper

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mldata/mldata/internal/archive"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/ingest"
)

// maxSplitFiles is the largest group of files treated as one dataset with
// split files.
const maxSplitFiles = 10

// LibSVMTools lists datasets as <h2>Name</h2> headings, each followed by
// links to the data files and optional ".citation" elements.
type LibSVMTools struct {
	IndexURL string
}

func (LibSVMTools) Name() string { return "LibSVMTools" }

func (s LibSVMTools) Discover(ctx context.Context, f *Fetcher) ([]Item, error) {
	doc, err := f.Document(ctx, s.IndexURL)
	if err != nil {
		return nil, err
	}
	var items []Item
	doc.Find("h2").Each(func(_ int, h *goquery.Selection) {
		name := strings.TrimSpace(h.Text())
		if name == "" {
			return
		}
		section := h.NextUntil("h2")
		it := Item{Name: name, Page: s.IndexURL, Publications: citations(section)}
		section.Find("a[href]").AddSelection(section.Filter("a[href]")).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if u, err := resolve(doc, href); err == nil {
				it.URLs = append(it.URLs, u)
			}
		})
		if len(it.URLs) > 0 {
			items = append(items, it)
		}
	})
	return items, nil
}

// Plan batches the files of one heading. Files with "scale" in their name
// form the scaled variant. A group of one file is a plain dataset; a group
// of up to ten files is the concatenation of its files plus a task whose
// splits are the files, train first and test last; larger groups become one
// dataset per file.
func (s LibSVMTools) Plan(ctx context.Context, it Item, files []string, dir string) ([]Action, error) {
	var plain, scaled []string
	for _, f := range files {
		unpacked, err := archive.Unnest(ctx, f)
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(filepath.Base(f)), "scale") {
			scaled = append(scaled, unpacked)
		} else {
			plain = append(plain, unpacked)
		}
	}

	var actions []Action
	for _, group := range []struct {
		name  string
		files []string
	}{
		{it.Name, plain},
		{it.Name + " scale", scaled},
	} {
		if len(plain) == 0 && group.files != nil {
			group.name = it.Name
		}
		acts, err := libsvmGroup(group.name, group.files, dir)
		if err != nil {
			return nil, err
		}
		actions = append(actions, acts...)
	}
	return actions, nil
}

func libsvmGroup(name string, files []string, dir string) ([]Action, error) {
	switch {
	case len(files) == 0:
		return nil, nil
	case len(files) == 1:
		return []Action{{Name: name, Path: files[0], Format: format.LibSVM}}, nil
	case len(files) <= maxSplitFiles:
		sort.SliceStable(files, func(i, j int) bool { return splitRank(files[i]) < splitRank(files[j]) })
		joined := filepath.Join(dir, ingest.Slug(name)+".libsvm")
		if err := concat(joined, files); err != nil {
			return nil, err
		}
		return []Action{{Name: name, Path: joined, Format: format.LibSVM, SplitFiles: files}}, nil
	}
	actions := make([]Action, len(files))
	for i, f := range files {
		actions[i] = Action{Name: name + " " + filepath.Base(f), Path: f, Format: format.LibSVM}
	}
	return actions, nil
}

// splitRank orders train files before validation files before test files.
func splitRank(path string) int {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, ".t") || strings.Contains(base, "test"):
		return 2
	case strings.HasSuffix(base, ".val") || strings.Contains(base, "val"):
		return 1
	}
	return 0
}

// concat writes files one after the other into dest, each ending with a
// newline.
func concat(dest string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("scraper: failed to create %s: %w", dest, err)
	}
	w := bufio.NewWriter(out)
	for _, f := range files {
		if err := appendFile(w, f); err != nil {
			out.Close()
			os.Remove(dest)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("scraper: failed to write %s: %w", dest, err)
	}
	return out.Close()
}

func appendFile(w *bufio.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("scraper: failed to read %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		return w.WriteByte('\n')
	}
	return nil
}

// Weka lists compressed archives of ARFF files, one per list item.
type Weka struct {
	IndexURL string
}

func (Weka) Name() string { return "Weka" }

var archiveSuffixes = []string{".jar", ".zip", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".gz", ".bz2"}

func (s Weka) Discover(ctx context.Context, f *Fetcher) ([]Item, error) {
	doc, err := f.Document(ctx, s.IndexURL)
	if err != nil {
		return nil, err
	}
	var items []Item
	doc.Find("li a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !hasAnySuffix(strings.ToLower(href), archiveSuffixes) {
			return
		}
		u, err := resolve(doc, href)
		if err != nil {
			return
		}
		name := strings.TrimSpace(a.Text())
		if name == "" {
			name = LocalName(u)
		}
		items = append(items, Item{
			Name:         name,
			Page:         s.IndexURL,
			URLs:         []string{u},
			Publications: citations(a.Closest("li")),
		})
	})
	return items, nil
}

// Plan expands the archive recursively and creates one dataset per ARFF
// file, named after its relation and the member.
func (s Weka) Plan(ctx context.Context, it Item, files []string, dir string) ([]Action, error) {
	var actions []Action
	for _, f := range files {
		found, err := archive.Expand(ctx, f, filepath.Join(dir, "expanded"))
		if err != nil {
			return nil, err
		}
		for _, m := range found {
			if format.FromSuffix(m) != format.ARFF {
				continue
			}
			member := strings.TrimSuffix(filepath.Base(m), filepath.Ext(m))
			name := member
			if rel := relation(m); rel != "" {
				name = rel + " " + member
			}
			actions = append(actions, Action{Name: name, Path: m, Format: format.ARFF})
		}
	}
	if len(actions) == 0 {
		log.Printf("scraper: %s: no ARFF files in %s", s.Name(), it.Name)
	}
	return actions, nil
}

// relation returns the @relation name of an ARFF file.
func relation(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for i := 0; i < 1000; i++ {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > len("@relation") && strings.EqualFold(trimmed[:len("@relation")], "@relation") {
			return strings.Trim(strings.TrimSpace(trimmed[len("@relation"):]), `'"`)
		}
		if err != nil {
			return ""
		}
	}
	return ""
}

// UCI lists dataset pages; each links a "Data Folder" directory listing.
type UCI struct {
	IndexURL string
}

func (UCI) Name() string { return "UCI" }

func (s UCI) Discover(ctx context.Context, f *Fetcher) ([]Item, error) {
	index, err := f.Document(ctx, s.IndexURL)
	if err != nil {
		return nil, err
	}
	type page struct{ name, url string }
	var pages []page
	seen := map[string]bool{}
	index.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if !strings.Contains(href, "datasets/") {
			return
		}
		u, err := resolve(index, href)
		if err != nil || seen[u] {
			return
		}
		seen[u] = true
		if name := strings.TrimSpace(a.Text()); name != "" {
			pages = append(pages, page{name, u})
		}
	})

	var items []Item
	for _, p := range pages {
		it, err := s.item(ctx, f, p.name, p.url)
		if err != nil {
			log.Printf("scraper: %s: %s: %v", s.Name(), p.name, err)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (s UCI) item(ctx context.Context, f *Fetcher, name, pageURL string) (Item, error) {
	doc, err := f.Document(ctx, pageURL)
	if err != nil {
		return Item{}, err
	}
	it := Item{Name: name, Page: pageURL, Publications: citations(doc.Selection)}

	var folder string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(a.Text()), "data folder") {
			href, _ := a.Attr("href")
			folder, _ = resolve(doc, href)
			return false
		}
		return true
	})
	if folder == "" {
		return Item{}, fmt.Errorf("no data folder on %s", pageURL)
	}

	listing, err := f.Document(ctx, folder)
	if err != nil {
		return Item{}, err
	}
	listing.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "/") ||
			strings.HasSuffix(href, "/") || strings.HasPrefix(href, "..") {
			return
		}
		if u, err := resolve(listing, href); err == nil {
			it.URLs = append(it.URLs, u)
		}
	})
	if len(it.URLs) == 0 {
		return Item{}, fmt.Errorf("empty data folder %s", folder)
	}
	return it, nil
}

// Plan uses a data file with a .names or .info companion as a UCI dataset
// and packs anything else into a bag of stuff.
func (s UCI) Plan(ctx context.Context, it Item, files []string, dir string) ([]Action, error) {
	var data string
	var described bool
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		switch {
		case data == "" && (strings.HasSuffix(base, ".data") || strings.HasSuffix(base, "-data")):
			data = f
		case strings.HasSuffix(base, ".names") || strings.HasSuffix(base, ".info"):
			described = true
		}
	}
	if data != "" && described {
		unpacked, err := archive.Unnest(ctx, data)
		if err != nil {
			return nil, err
		}
		return []Action{{Name: it.Name, Path: unpacked, Format: format.UCI}}, nil
	}

	bag := filepath.Join(dir, ingest.Slug(it.Name)+"."+string(format.TarBz2))
	if err := archive.BagOfStuff(files, bag); err != nil {
		return nil, err
	}
	return []Action{{Name: it.Name, Path: bag, Format: format.Auto}}, nil
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// Sources returns the built-in sources in their command-line order.
func Sources(libsvmURL, wekaURL, uciURL string) []Source {
	return []Source{
		LibSVMTools{IndexURL: libsvmURL},
		Weka{IndexURL: wekaURL},
		UCI{IndexURL: uciURL},
	}
}
