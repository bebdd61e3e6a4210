// Package cli implements the mldata command line: the HTTP server and the
// administrative convert, extract and slurp tools.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mldata/mldata/internal/config"
	mlerrors "github.com/mldata/mldata/internal/errors"
)

var (
	// Version is filled in by ldflags.
	Version = "dev"
	// Commit is filled in by ldflags.
	Commit = "unknown"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitOption     = 2
	ExitConversion = 3
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...interface{}) error {
	return &ExitError{Code: ExitUsage, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, mlerrors.ErrConversion) {
		return ExitConversion
	}
	return ExitUsage
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	dataDir    string
}

// load builds the configuration: defaults or the config file, then the
// .env file and the environment, then flags.
func (g *globalFlags) load() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(g.configFile); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	return cfg, nil
}

// NewRootCommand creates the mldata command with every subcommand.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	rc := &cobra.Command{
		Use:   "mldata",
		Short: "mldata - machine learning dataset repository",
		Long: `Ingest, convert and serve machine learning datasets.

Version: ` + Version + ` (commit ` + Commit + `)
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	rc.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &ExitError{Code: ExitOption, Err: fmt.Errorf("%w\nsee '%s --help'", err, c.CommandPath())}
	})

	pf := rc.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "configuration file (YAML or JSON)")
	pf.StringVar(&g.envFile, "env-file", ".env", "file of MLDATA_* variables loaded before the environment")
	pf.StringVar(&g.dataDir, "data-dir", "", "base directory for all data files")

	rc.AddCommand(
		newServeCommand(g),
		newConvertCommand(g),
		newExtractCommand(g),
		newSlurpCommand(g),
	)
	return rc
}
