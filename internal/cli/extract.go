package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/format"
	"github.com/mldata/mldata/internal/h5"
	"github.com/mldata/mldata/internal/preview"
)

func newExtractCommand(g *globalFlags) *cobra.Command {
	var formatName string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "print the extract of a dataset file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError("extract takes 1 argument, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, ok := format.Parse(formatName)
			if !ok {
				return usageError("unknown format %q", formatName)
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			conv := convert.New(convert.Config{SparseDensity: cfg.Conversion.SparseDensity}, nil)
			ex, err := preview.New(conv, nil, os.TempDir()).Extract(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			if asJSON {
				return writeExtractJSON(cmd.OutOrStdout(), ex)
			}
			printExtract(cmd.OutOrStdout(), ex)
			return nil
		},
	}
	cmd.Flags().StringVar(&formatName, "format", "", "format of the file (detected when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the extract as JSON")
	return cmd
}

// printExtract writes the header fields followed by the examples as a table.
func printExtract(w io.Writer, ex *h5.Extract) {
	if ex.Name != "" {
		fmt.Fprintf(w, "name:    %s\n", ex.Name)
	}
	if ex.Comment != "" {
		fmt.Fprintf(w, "comment: %s\n", ex.Comment)
	}
	if len(ex.Types) > 0 {
		fmt.Fprintf(w, "types:   %s\n", strings.Join(ex.Types, ", "))
	}

	header := append([]string{}, ex.Names...)
	withLabels := len(ex.Labels) == len(ex.Data) && len(ex.Labels) > 0
	if withLabels {
		header = append([]string{"label"}, header...)
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	for i, row := range ex.Data {
		if withLabels {
			row = append([]string{ex.Labels[i]}, row...)
		}
		table.Append(row)
	}
	table.Render()
}

func writeExtractJSON(w io.Writer, ex *h5.Extract) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ex)
}
