// Package convert drives a single conversion between a dialect file and an
// H5 file: format resolution, dispatch to a parser or writer, optional
// round-trip verification and error wrapping.
package convert

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/mldata/mldata/internal/dataset"
	"github.com/mldata/mldata/internal/detect"
	"github.com/mldata/mldata/internal/dialect"
	mlerrors "github.com/mldata/mldata/internal/errors"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/verify"
)

// Options are the per-call knobs of Convert.
type Options struct {
	// Separator overrides separator inference for delimited input.
	Separator string
	// Verify reads the result back and compares it with the source.
	Verify bool
	// FirstRowIsHeader treats the first CSV line of the input as names.
	FirstRowIsHeader bool
}

// Config holds the install-wide conversion settings.
type Config struct {
	// SparseDensity is the LibSVM sparse/dense cut (default 0.5).
	SparseDensity float64
	// XMLDumper is an external h5dump-like binary; empty uses the built-in
	// dump.
	XMLDumper string
}

// Converter is the conversion facade. It is safe for concurrent use.
type Converter struct {
	config  Config
	metrics *observability.Metrics
}

// New creates a converter. metrics may be nil.
func New(config Config, metrics *observability.Metrics) *Converter {
	return &Converter{config: config, metrics: metrics}
}

// Convert converts inPath in inFmt to outPath in outFmt. Either side must be
// H5. format.Auto as inFmt detects the input format. Every failure comes back
// as a ConversionError whose cause is the typed error of the failing stage.
func (c *Converter) Convert(ctx context.Context, inPath string, inFmt format.Format, outPath string, outFmt format.Format, opts Options) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveConversion(string(inFmt), string(outFmt), time.Since(start), err)
	}()

	if inFmt == format.Auto || inFmt == "" {
		detected, derr := detect.Require(ctx, inPath)
		if derr != nil {
			return mlerrors.NewConversionError(inPath, string(inFmt), outPath, string(outFmt), derr)
		}
		inFmt = detected
	}
	fail := func(cause error) error {
		return mlerrors.NewConversionError(inPath, string(inFmt), outPath, string(outFmt), cause)
	}

	if opts.Verify {
		if other := otherSide(inFmt, outFmt); !verify.Verifiable(other) {
			return fail(mlerrors.NewVerificationFailed("format", refusal(other)))
		}
	}

	switch {
	case outFmt == format.H5:
		if err := c.toH5(ctx, inPath, inFmt, outPath, opts); err != nil {
			return fail(err)
		}
		if opts.Verify {
			if err := verify.Files(ctx, outPath, inPath, inFmt, c.parseOptions(opts)); err != nil {
				return fail(discard(outPath, inPath, err))
			}
		}
	case inFmt == format.H5:
		if err := c.fromH5(ctx, inPath, outPath, outFmt); err != nil {
			return fail(err)
		}
		if opts.Verify {
			// Writers never emit a header line.
			readBack := dialect.ParseOptions{SparseDensity: c.config.SparseDensity}
			if outFmt == format.CSV {
				readBack.Separator = ","
			}
			if err := verify.Files(ctx, inPath, outPath, outFmt, readBack); err != nil {
				return fail(discard(outPath, inPath, err))
			}
		}
	default:
		return fail(mlerrors.NewUnsupportedConversion(string(inFmt), string(outFmt)))
	}
	return nil
}

// discard removes an output that failed verification and returns cause.
func discard(outPath, inPath string, cause error) error {
	if outPath != inPath {
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			log.Printf("convert: failed to remove unverified %s: %v", outPath, err)
		}
	}
	return cause
}

func (c *Converter) parseOptions(opts Options) dialect.ParseOptions {
	return dialect.ParseOptions{
		Separator:        opts.Separator,
		FirstRowIsHeader: opts.FirstRowIsHeader,
		SparseDensity:    c.config.SparseDensity,
	}
}

// Parse reads any supported input into the canonical dataset, logging the
// lines the parser dropped.
func (c *Converter) Parse(ctx context.Context, path string, f format.Format, opts Options) (*dataset.Dataset, error) {
	if f == format.H5 {
		return ReadH5(ctx, path)
	}
	parser, ok := dialect.ParserFor(f)
	if !ok {
		return nil, mlerrors.NewUnsupportedConversion(string(f), string(format.H5))
	}
	res, err := parser.Parse(ctx, path, c.parseOptions(opts))
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Printf("convert: %s: dropped line: %v", path, w)
	}
	return res.Dataset, nil
}

func (c *Converter) toH5(ctx context.Context, inPath string, inFmt format.Format, outPath string, opts Options) error {
	d, err := c.Parse(ctx, inPath, inFmt, opts)
	if err != nil {
		return err
	}
	return WriteH5(ctx, outPath, d)
}

func (c *Converter) fromH5(ctx context.Context, inPath, outPath string, outFmt format.Format) error {
	if outFmt == format.XML {
		return dialect.XML{Dumper: c.config.XMLDumper}.Dump(ctx, inPath, outPath)
	}
	writer, ok := dialect.WriterFor(outFmt)
	if !ok {
		return mlerrors.NewUnsupportedConversion(string(format.H5), string(outFmt))
	}
	d, err := ReadH5(ctx, inPath)
	if err != nil {
		return err
	}
	return writer.Write(ctx, d, outPath)
}

// ReadH5 loads the canonical dataset stored at path.
func ReadH5(ctx context.Context, path string) (*dataset.Dataset, error) {
	var d *dataset.Dataset
	err := h5.WithReader(ctx, path, func(f *h5.File) error {
		var err error
		d, err = h5.ReadCanonical(ctx, f)
		return err
	})
	return d, err
}

// WriteH5 stores d at path, replacing any previous file only on success.
func WriteH5(ctx context.Context, path string, d *dataset.Dataset) error {
	return h5.WithWriter(ctx, path, func(f *h5.File) error {
		return h5.WriteCanonical(ctx, f, d)
	})
}

// otherSide returns the non-H5 format of a conversion.
func otherSide(in, out format.Format) format.Format {
	if out == format.H5 {
		return in
	}
	return out
}

func refusal(f format.Format) string {
	if f == format.UCI {
		return "UCI files cannot be verified"
	}
	return string(f) + " files cannot be verified"
}
