// Package ingest turns uploaded bytes into a stored H5 dataset and its
// record: un-nesting, detection, the size policy, conversion, metadata and
// persistence. Conversion failures still leave a private record behind so an
// administrator can look at the original file.
package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spaolacci/murmur3"

	"github.com/mldata/mldata/internal/archive"
	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/detect"
	"github.com/mldata/mldata/internal/dialect"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/storage"
)

// Policy supplies the per-install upload limit. Zero means unlimited.
type Policy interface {
	MaxDataSize() (uint64, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Converter *convert.Converter
	Records   records.Store
	Store     *storage.Store
	Policy    Policy
	Mail      notify.Sink
	Metrics   *observability.Metrics
	// TempDir holds the per-upload working directories.
	TempDir string
	// Verify enables round-trip verification for formats that support it.
	Verify bool
}

// Controller runs the ingestion pipeline. It is safe for concurrent use;
// every call works in its own temporary directory.
type Controller struct {
	conv    *convert.Converter
	records records.Store
	store   *storage.Store
	policy  Policy
	mail    notify.Sink
	metrics *observability.Metrics
	tempDir string
	verify  bool
}

// New creates a controller. Policy, Mail and Metrics may be nil.
func New(deps Deps) *Controller {
	mail := deps.Mail
	if mail == nil {
		mail = notify.LogSink{}
	}
	return &Controller{
		conv:    deps.Converter,
		records: deps.Records,
		store:   deps.Store,
		policy:  deps.Policy,
		mail:    mail,
		metrics: deps.Metrics,
		tempDir: deps.TempDir,
		verify:  deps.Verify,
	}
}

// Request is one upload.
type Request struct {
	// Name is the dataset name; Slug is derived from it when empty.
	Name string
	Slug string
	// FileName is the name the bytes arrived under. Its suffix takes part
	// in format detection.
	FileName string
	// Body is read to the end. When nil, Path is used instead and left in
	// place.
	Body io.Reader
	Path string

	// Format overrides detection when not Auto.
	Format           format.Format
	Separator        string
	FirstRowIsHeader bool

	Tags         []string
	SourceURL    string
	Publications []records.Publication
	// Approved confirms a failed conversion in advance, so the kept
	// conversion_failed record is approved too (scraped items). Successful
	// conversions are always approved.
	Approved bool
	Public   bool
	// RetrySlug appends a random numeric suffix on slug conflicts instead
	// of failing.
	RetrySlug bool
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, "ingest: dataset name is required")
	}
	if r.Body == nil && r.Path == "" {
		return mlerrors.NewValidationError(mlerrors.CodeInvalidDataset, "ingest: no data supplied")
	}
	if r.FileName == "" {
		r.FileName = filepath.Base(r.Path)
	}
	if r.Format == "" {
		r.Format = format.Auto
	}
	return nil
}

// Ingest runs the pipeline for req. On a conversion failure the returned
// record is the private conversion_failed record and the error is the
// ConversionError; callers show the record page. A size policy rejection
// returns no record.
func (c *Controller) Ingest(ctx context.Context, req Request) (rec *records.Dataset, err error) {
	observed := format.Unknown
	defer func() { c.metrics.ObserveIngest(string(observed), err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	work, err := os.MkdirTemp(c.tempDir, "ingest-")
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create working directory: %w", err)
	}
	defer os.RemoveAll(work)

	raw, fingerprint, err := c.receive(work, req)
	if err != nil {
		return nil, err
	}
	slug := req.Slug
	if slug == "" {
		slug = Slug(req.Name)
	}
	base := &records.Dataset{
		Name:        req.Name,
		Slug:        slug,
		Fingerprint: fingerprint,
		SourceURL:   req.SourceURL,
		Tags:        req.Tags,
		IsPublic:    req.Public,
		IsCurrent:   true,
	}

	inner, err := archive.Unnest(ctx, raw)
	if err != nil {
		return nil, err
	}

	if isMultiMember(inner) {
		members, err := archive.ExtractAll(ctx, inner, filepath.Join(work, slug))
		if err != nil {
			return nil, err
		}
		if err := c.checkSize(members...); err != nil {
			return nil, err
		}
		single := datasetMembers(ctx, members)
		if len(single) != 1 {
			observed = format.TarBz2
			return c.bag(ctx, work, base, members, req)
		}
		inner = single[0]
	}

	if err := c.checkSize(inner); err != nil {
		return nil, err
	}

	f := req.Format
	if f == format.Auto {
		var derr error
		if f, derr = detect.Require(ctx, inner); derr != nil {
			base.Format = string(format.Unknown)
			return c.failed(ctx, base, inner, format.Unknown, derr, req)
		}
	}
	observed = f
	base.Format = string(f)

	h5Path := inner
	if f != format.H5 {
		h5Path = filepath.Join(work, slug+".h5")
		if err := c.toH5(ctx, inner, f, h5Path, req); err != nil {
			if ctx.Err() != nil {
				os.Remove(h5Path)
				return nil, ctx.Err()
			}
			return c.failed(ctx, base, inner, f, err, req)
		}
	}
	if err := ctx.Err(); err != nil {
		os.Remove(h5Path)
		return nil, err
	}

	if err := describe(ctx, h5Path, base); err != nil {
		return c.failed(ctx, base, inner, f, err, req)
	}
	base.IsApproved = true
	if err := c.persist(ctx, base, h5Path, "h5", req); err != nil {
		return nil, err
	}
	log.Printf("ingest: stored %s v%d (%s, %dx%d)", base.Slug, base.Version, f, base.NumInstances, base.NumAttributes)
	return base, nil
}

// receive copies the upload into work, hashing it on the way.
func (c *Controller) receive(work string, req Request) (string, string, error) {
	name := filepath.Base(req.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	dest := filepath.Join(work, name)

	src := req.Body
	if src == nil {
		fh, err := os.Open(req.Path)
		if err != nil {
			return "", "", fmt.Errorf("ingest: failed to open %s: %w", req.Path, err)
		}
		defer fh.Close()
		src = fh
	}
	out, err := os.Create(dest)
	if err != nil {
		return "", "", fmt.Errorf("ingest: failed to create %s: %w", dest, err)
	}
	h := murmur3.New128()
	if _, err := io.Copy(io.MultiWriter(out, h), src); err != nil {
		out.Close()
		return "", "", fmt.Errorf("ingest: failed to receive %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", "", fmt.Errorf("ingest: failed to write %s: %w", dest, err)
	}
	return dest, hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint hashes the file at path the way stored records are hashed.
func Fingerprint(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ingest: failed to open %s: %w", path, err)
	}
	defer fh.Close()
	h := murmur3.New128()
	if _, err := io.Copy(h, fh); err != nil {
		return "", fmt.Errorf("ingest: failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isMultiMember(path string) bool {
	switch archive.Kind(path) {
	case format.Zip, format.Tar, format.TarGz, format.TarBz2:
		return true
	}
	return false
}

// datasetMembers returns the members that are a dataset dialect on their
// own. UCI side files (.names, .info) do not count.
func datasetMembers(ctx context.Context, members []string) []string {
	var out []string
	for _, m := range members {
		f := detect.Detect(ctx, m)
		if _, ok := dialect.ParserFor(f); ok || f == format.H5 {
			out = append(out, m)
		}
	}
	return out
}

// checkSize applies the upload limit to the decompressed files, counted
// together.
func (c *Controller) checkSize(paths ...string) error {
	if c.policy == nil {
		return nil
	}
	limit, err := c.policy.MaxDataSize()
	if err != nil {
		return fmt.Errorf("ingest: failed to read size policy: %w", err)
	}
	var size uint64
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("ingest: failed to stat %s: %w", p, err)
		}
		size += uint64(st.Size())
	}
	if limit == 0 || size <= limit {
		return nil
	}
	return mlerrors.NewSizePolicyExceeded(size, limit,
		fmt.Sprintf("file is %s, the limit is %s", humanize.IBytes(size), humanize.IBytes(limit)))
}

// toH5 converts in place. The conversion runs to completion even when the
// request goes away; the caller drops the output afterwards.
func (c *Controller) toH5(ctx context.Context, in string, f format.Format, out string, req Request) error {
	sep := req.Separator
	if sep == "" && f == format.CSV {
		if inferred, err := format.InferSeparator(in); err == nil {
			sep = inferred
		}
	}
	opts := convert.Options{
		Separator:        sep,
		Verify:           c.verify && f != format.UCI,
		FirstRowIsHeader: req.FirstRowIsHeader,
	}
	return c.conv.Convert(context.WithoutCancel(ctx), in, f, out, format.H5, opts)
}

// describe fills shape, attribute types and the cached extract from the H5
// file at path.
func describe(ctx context.Context, path string, rec *records.Dataset) error {
	return h5.WithReader(ctx, path, func(f *h5.File) error {
		n, m, err := h5.Shape(ctx, f)
		if err != nil {
			return err
		}
		types, err := h5.AttributeTypes(ctx, f)
		if err != nil {
			return err
		}
		cache, err := json.Marshal(h5.ExtractFrom(ctx, f))
		if err != nil {
			return fmt.Errorf("ingest: failed to encode extract: %w", err)
		}
		rec.NumInstances, rec.NumAttributes = n, m
		rec.AttributeTypes = ""
		if len(types) > 0 {
			encoded, err := json.Marshal(types)
			if err != nil {
				return fmt.Errorf("ingest: failed to encode attribute types: %w", err)
			}
			rec.AttributeTypes = string(encoded)
		}
		rec.ExtractCache = string(cache)
		return nil
	})
}

// failed stores the original file under a private conversion_failed record,
// tells the administrators and returns the conversion error. The record is
// approved only when the caller confirmed failures up front.
func (c *Controller) failed(ctx context.Context, rec *records.Dataset, original string, f format.Format, cause error, req Request) (*records.Dataset, error) {
	rec.IsApproved = req.Approved
	rec.IsPublic = false
	rec.Tags = appendTag(rec.Tags, records.TagConversionFailed)

	c.notifyFailure(ctx, rec, original, f, cause)

	if err := c.persist(ctx, rec, original, f.Extension(), req); err != nil {
		log.Printf("ingest: failed to record conversion failure of %s: %v", rec.Name, err)
		return nil, cause
	}
	log.Printf("ingest: %s v%d kept unconverted: %v", rec.Slug, rec.Version, cause)
	return rec, cause
}

func (c *Controller) notifyFailure(ctx context.Context, rec *records.Dataset, original string, f format.Format, cause error) {
	var body strings.Builder
	fmt.Fprintf(&body, "Dataset: %s (%s)\n", rec.Name, rec.Slug)
	fmt.Fprintf(&body, "File: %s\nFormat: %s\n", filepath.Base(original), f)
	if vf, ok := mlerrors.Find(cause, mlerrors.ErrVerificationFailed); ok {
		fmt.Fprintf(&body, "Verification failed on: %v\n", vf.Detail("which"))
	}
	fmt.Fprintf(&body, "\n%+v\n", cause)
	for e := errors.Unwrap(cause); e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&body, "caused by: %v\n", e)
	}
	if err := c.mail.NotifyAdmins(ctx, "conversion failed: "+rec.Name, body.String()); err != nil {
		log.Printf("ingest: failed to notify admins about %s: %v", rec.Slug, err)
	}
}

// bag packs every member into one tar.bz2 and records it unconverted.
func (c *Controller) bag(ctx context.Context, work string, rec *records.Dataset, members []string, req Request) (*records.Dataset, error) {
	dest := filepath.Join(work, rec.Slug+"."+string(format.TarBz2))
	if err := archive.BagOfStuff(members, dest); err != nil {
		return nil, err
	}
	rec.Format = string(format.TarBz2)
	rec.IsApproved = req.Approved
	rec.IsPublic = false
	rec.Tags = appendTag(rec.Tags, records.TagConversionFailed)
	if err := c.persist(ctx, rec, dest, string(format.TarBz2), req); err != nil {
		return nil, err
	}
	log.Printf("ingest: stored %s v%d as a bag of %d files", rec.Slug, rec.Version, len(members))
	return rec, nil
}

// persist creates the record, stores the file as <slug>.<ext> and only then
// makes the new version current, so readers never see a record whose file
// is missing.
func (c *Controller) persist(ctx context.Context, rec *records.Dataset, local, ext string, req Request) error {
	rec.IsCurrent = false
	for attempt := 0; ; attempt++ {
		rec.FileName = rec.Slug + "." + ext
		err := c.records.CreateDataset(ctx, rec)
		if err == nil {
			break
		}
		if !req.RetrySlug || !errors.Is(err, mlerrors.ErrSlugConflict) || attempt >= maxSlugAttempts {
			return err
		}
		rec.Slug = WithSuffix(Slug(rec.Name))
	}
	for _, p := range req.Publications {
		if err := c.records.AddPublication(ctx, rec.ID, p); err != nil {
			return err
		}
	}
	if err := c.store.PutData(ctx, local, rec.FileName); err != nil {
		log.Printf("ingest: %s v%d left non-current: %v", rec.Slug, rec.Version, err)
		return err
	}
	if err := c.records.SetCurrent(ctx, rec.Slug, rec.Version); err != nil {
		return err
	}
	rec.IsCurrent = true
	return nil
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(append([]string(nil), tags...), tag)
}
