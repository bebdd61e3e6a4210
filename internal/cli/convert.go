package cli

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/format"
)

type convertFlags struct {
	separator        string
	verify           bool
	firstLineIsNames bool
	formatIn         string
	formatOut        string
}

func newConvertCommand(g *globalFlags) *cobra.Command {
	f := &convertFlags{}
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "convert a dataset file; one side must be h5",
		Long: `Convert a dataset between h5 and libsvm, arff, csv, uci, matlab, octave,
xml or r. Formats default to detection on the input and the suffix of the
output.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageError("convert takes 2 arguments, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, g, f, args[0], args[1])
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.separator, "separator", "", "column separator of delimited input (inferred when empty)")
	flags.BoolVar(&f.verify, "verify", false, "read the result back and compare it with the input")
	flags.BoolVar(&f.firstLineIsNames, "first-line-attribute-names", false, "the first CSV line holds attribute names")
	flags.StringVar(&f.formatIn, "format-in", "", "input format (detected when empty)")
	flags.StringVar(&f.formatOut, "format-out", "", "output format (from the output suffix when empty)")
	return cmd
}

func runConvert(cmd *cobra.Command, g *globalFlags, f *convertFlags, in, out string) error {
	inFmt, ok := format.Parse(f.formatIn)
	if !ok {
		return usageError("unknown input format %q", f.formatIn)
	}
	outFmt, ok := format.Parse(f.formatOut)
	if !ok {
		return usageError("unknown output format %q", f.formatOut)
	}
	if outFmt == format.Auto {
		if outFmt = format.FromSuffix(out); outFmt == format.Unknown {
			return usageError("cannot tell the output format of %s; use --format-out", out)
		}
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	conv := convert.New(convert.Config{
		SparseDensity: cfg.Conversion.SparseDensity,
		XMLDumper:     cfg.Conversion.XMLDumper,
	}, nil)

	start := time.Now()
	err = conv.Convert(cmd.Context(), in, inFmt, out, outFmt, convert.Options{
		Separator:        f.separator,
		Verify:           f.verify,
		FirstRowIsHeader: f.firstLineIsNames,
	})
	if err != nil {
		return err
	}
	log.Printf("convert: %s -> %s (%s) in %s", in, out, outFmt, time.Since(start).Round(time.Millisecond))
	if f.verify {
		fmt.Fprintln(cmd.OutOrStdout(), "verified")
	}
	return nil
}
