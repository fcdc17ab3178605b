// Package cli is the tagring command-line surface. Every command is a thin
// shell over the library packages: it resolves configuration into explicit
// options, attaches to a buffer, runs one operation and prints the result.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"tagring/config"
	"tagring/debug"
	"tagring/journal"
	"tagring/registry"
	"tagring/ringstore"
)

// ValidFormats are the accepted --output values.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	RegistryDir string
	SegmentDir  string
	Journal     string
	Output      string // "text" | "json"
	Verbose     bool

	cfg *config.Config
}

// NewRootCommand builds the tagring command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tagring",
		Short: "tagring - shared-memory timetag buffers",
		Long: `Create, inspect and analyse named shared-memory timetag buffers.

A producer (ingest, or a hardware driver) pushes records into a named
buffer; any number of processes attach to the same name and query it:
singles, time traces, coincidences, joint histograms and relative delays.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", config.DefaultPath(), "configuration file")
	pf.StringVar(&opts.RegistryDir, "registry-dir", "", "buffer registry directory (overrides config)")
	pf.StringVar(&opts.SegmentDir, "segment-dir", "", "shared-memory directory (overrides config)")
	pf.StringVar(&opts.Journal, "journal", "", "sqlite journal of query results (overrides config)")
	pf.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewSinglesCommand(opts))
	cmd.AddCommand(NewTimetraceCommand(opts))
	cmd.AddCommand(NewCoincidencesCommand(opts))
	cmd.AddCommand(NewHistogramCommand(opts))
	cmd.AddCommand(NewDelayCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))

	return cmd
}

// Execute runs the command tree against ctx and returns the exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// setup loads the configuration, applies flag overrides and installs the
// logger.
func (o *RootOptions) setup(stderr io.Writer) error {
	if !slices.Contains(ValidFormats, o.Output) {
		return fmt.Errorf("invalid output %q: must be one of %v", o.Output, ValidFormats)
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.RegistryDir != "" {
		cfg.RegistryDir = o.RegistryDir
	}
	if o.SegmentDir != "" {
		cfg.SegmentDir = o.SegmentDir
	}
	if o.Journal != "" {
		cfg.Journal = o.Journal
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	lvl, _ := cfg.Level()
	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(stderr, hopts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(stderr, hopts)
	}
	debug.SetLogger(slog.New(h))
	return nil
}

// Config returns the resolved configuration (valid after setup).
func (o *RootOptions) Config() *config.Config { return o.cfg }

// registry opens the configured registry.
func (o *RootOptions) registry() (*registry.Registry, error) {
	return registry.New(o.cfg.RegistryDir)
}

// storeOptions wires the registry into ringstore options.
func (o *RootOptions) storeOptions() (ringstore.Options, error) {
	reg, err := o.registry()
	if err != nil {
		return ringstore.Options{}, err
	}
	if dir := o.cfg.SegmentDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ringstore.Options{}, err
		}
	}
	return ringstore.Options{Dir: o.cfg.SegmentDir, Registrar: reg}, nil
}

// connect attaches to an existing buffer. Callers Close it.
func (o *RootOptions) connect(name string) (*ringstore.Store, error) {
	opts, err := o.storeOptions()
	if err != nil {
		return nil, err
	}
	return ringstore.Connect(name, opts)
}

// openJournal opens the journal and a run for command, or returns nils
// when no journal is configured.
func (o *RootOptions) openJournal(ctx context.Context, command, buffer string) (*journal.Journal, journal.Run, error) {
	if o.cfg.Journal == "" {
		return nil, journal.Run{}, nil
	}
	j, err := journal.Open(o.cfg.Journal)
	if err != nil {
		return nil, journal.Run{}, err
	}
	run, err := j.NewRun(ctx, command, buffer)
	if err != nil {
		j.Close()
		return nil, journal.Run{}, err
	}
	return j, run, nil
}
