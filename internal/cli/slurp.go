package cli

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mldata/mldata/internal/app"
	"github.com/mldata/mldata/internal/scraper"
)

type slurpFlags struct {
	output  string
	source  int
	verbose bool
	force   bool
}

func newSlurpCommand(g *globalFlags) *cobra.Command {
	f := &slurpFlags{}
	cmd := &cobra.Command{
		Use:   "slurp",
		Short: "import datasets from public repositories",
		Long: `Scrape the LibSVMTools (0), Weka (1) and UCI (2) repositories, download
new items and add them as datasets and tasks.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageError("slurp takes no arguments, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlurp(cmd, g, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.output, "output", "o", "", "directory for downloaded files")
	flags.IntVarP(&f.source, "source", "s", -1, "only scrape source number N (0 LibSVMTools, 1 Weka, 2 UCI)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "log every item")
	flags.BoolP("download-only", "d", false, "download without adding")
	flags.BoolP("add-only", "a", false, "add previously downloaded files without downloading")
	flags.BoolP("convert-exist", "c", false, "convert existing datasets again from local files")
	flags.BoolVarP(&f.force, "force", "f", false, "download files that already exist locally")
	cmd.MarkFlagsMutuallyExclusive("add-only", "download-only", "convert-exist")
	return cmd
}

// slurpMode reads the mode flags; at most one is set.
func slurpMode(flags *pflag.FlagSet) scraper.Mode {
	on := func(name string) bool {
		v, err := flags.GetBool(name)
		return err == nil && v
	}
	switch {
	case on("add-only"):
		return scraper.ModeAddOnly
	case on("download-only"):
		return scraper.ModeDownloadOnly
	case on("convert-exist"):
		return scraper.ModeConvertExist
	}
	return scraper.ModeDefault
}

func runSlurp(cmd *cobra.Command, g *globalFlags, f *slurpFlags) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sources := a.Sources()
	if f.source >= len(sources) || f.source < -1 {
		return usageError("unknown source %d; sources are 0 to %d", f.source, len(sources)-1)
	}
	if f.source >= 0 {
		sources = sources[f.source : f.source+1]
	}

	mode := slurpMode(cmd.Flags())
	c := a.Scraper(scraper.Options{OutputDir: f.output, Mode: mode, Verbose: f.verbose}, f.force)

	start := time.Now()
	report, err := c.Run(cmd.Context(), sources...)
	if report != nil {
		fmt.Fprintf(cmd.OutOrStdout(),
			"items %d, downloaded %d, added %d, reconverted %d, tasks %d, skipped %d, failed %d\n",
			report.Items, report.Downloaded, report.Added, report.Reconverted, report.Tasks, report.Skipped, report.Failed)
	}
	log.Printf("slurp: %s finished in %s", mode, time.Since(start).Round(time.Second))
	return err
}
