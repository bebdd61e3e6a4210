package cli

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/mldata/mldata/internal/app"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			log.Printf("mldata %s (commit %s) starting", Version, Commit)
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from configuration)")
	return cmd
}
