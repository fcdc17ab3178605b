package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tagring/registry"
	"tagring/ringstore"
	"tagring/timebase"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Format      string
	Capacity    uint64
	Channels    int
	Resolution  float64
	ClockPeriod float64
	Like        string
}

// NewCreateCommand creates a buffer and holds it until interrupted.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a buffer and keep it alive until interrupted",
		Long: `Create a named buffer and stay attached to it.

A buffer lives while at least one process is attached, so create blocks
until SIGINT/SIGTERM and detaches on exit.

With --like the shape is copied from a registered buffer; flags given
explicitly still override it.

Examples:
  tagring create detector --channels 4 --resolution 1e-12
  tagring create pulsed --format clocked --resolution 1e-12 --clock-period 12.5e-9
  tagring create scratch --like detector`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "standard", "record format (standard|clocked)")
	cmd.Flags().Uint64Var(&opts.Capacity, "capacity", 0, "ring capacity in records (0 = config default)")
	cmd.Flags().IntVar(&opts.Channels, "channels", 4, "number of channels")
	cmd.Flags().Float64Var(&opts.Resolution, "resolution", 1e-12, "seconds per fine bin")
	cmd.Flags().Float64Var(&opts.ClockPeriod, "clock-period", 0, "seconds per clock tick (clocked only)")
	cmd.Flags().StringVar(&opts.Like, "like", "", "copy the shape of a registered buffer")
	return cmd
}

func runCreate(cmd *cobra.Command, opts *CreateOptions, name string) error {
	cfg, err := opts.config(cmd)
	if err != nil {
		return err
	}
	sopts, err := opts.storeOptions()
	if err != nil {
		return err
	}
	s, err := ringstore.Create(name, cfg, sopts)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := opts.emit(cmd.OutOrStdout(), registry.EntryOf(s.Info()), func(w io.Writer) {
		printInfo(w, s.Info())
	}); err != nil {
		return err
	}
	<-cmd.Context().Done()
	return nil
}

// config resolves the buffer shape from --like and the explicit flags.
func (o *CreateOptions) config(cmd *cobra.Command) (ringstore.Config, error) {
	var cfg ringstore.Config
	if o.Like != "" {
		reg, err := o.registry()
		if err != nil {
			return cfg, err
		}
		e, err := reg.Load(o.Like)
		if err != nil {
			return cfg, err
		}
		if cfg, err = e.Config(); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	set := func(name string) bool { return o.Like == "" || flags.Changed(name) }
	if set("format") {
		f, err := timebase.ParseFormat(o.Format)
		if err != nil {
			return cfg, err
		}
		cfg.Format = f
	}
	if set("capacity") {
		cfg.Capacity = o.Capacity
	}
	if set("channels") {
		cfg.ChannelCount = o.Channels
	}
	if set("resolution") {
		cfg.Resolution = o.Resolution
	}
	if set("clock-period") {
		cfg.ClockPeriod = o.ClockPeriod
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = o.cfg.DefaultCapacity
	}
	return cfg, nil
}

// NewInfoCommand prints a buffer's configuration and fill level.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show a buffer's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			info := s.Info()
			// Exclude this process from the reported count.
			info.ReferenceCount--
			return rootOpts.emit(cmd.OutOrStdout(), registry.EntryOf(info), func(w io.Writer) {
				printInfo(w, info)
				if s.Count() > 0 {
					oldest, newest := s.TimeRange()
					fmt.Fprintf(w, "time range\t%.12g .. %.12g s\n", oldest, newest)
				}
			})
		},
	}
}

func printInfo(w io.Writer, info ringstore.Info) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "name\t%s\n", info.Name)
	fmt.Fprintf(tw, "format\t%s\n", info.Format)
	fmt.Fprintf(tw, "capacity\t%d\n", info.Capacity)
	fmt.Fprintf(tw, "count\t%d\n", info.Count)
	fmt.Fprintf(tw, "channels\t%d\n", info.ChannelCount)
	fmt.Fprintf(tw, "resolution\t%g s\n", info.Resolution)
	if info.Format == timebase.Clocked {
		fmt.Fprintf(tw, "clock period\t%g s\n", info.ClockPeriod)
	}
	fmt.Fprintf(tw, "references\t%d\n", info.ReferenceCount)
	tw.Flush()
}

// NewListCommand lists registered buffers, pruning stale entries.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered buffers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := rootOpts.registry()
			if err != nil {
				return err
			}
			sopts := ringstore.Options{Dir: rootOpts.cfg.SegmentDir}
			entries, err := reg.List(func(name string) bool { return ringstore.Exists(name, sopts) })
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []registry.Entry{}
			}
			return rootOpts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tFORMAT\tCOUNT\tCAPACITY\tCHANNELS\tREFS")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n",
						e.Name, e.Format, e.Count, e.Capacity, e.ChannelCount, e.ReferenceCount)
				}
				tw.Flush()
			})
		},
	}
}

// NewRemoveCommand force-removes buffers.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rm [NAME...]",
		Short: "Force-remove buffers regardless of attached processes",
		Long: `Unlink buffers and drop their registry entries.

Attached processes keep their mappings until they exit. Use this to clean
up after producers that died without detaching.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give buffer names or --all")
			}
			sopts, err := rootOpts.storeOptions()
			if err != nil {
				return err
			}
			if all {
				reg := sopts.Registrar.(*registry.Registry)
				bare := ringstore.Options{Dir: sopts.Dir}
				return reg.Purge(func(name string) error { return ringstore.Remove(name, bare) })
			}
			for _, name := range args {
				if err := ringstore.Remove(name, sopts); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every registered buffer")
	return cmd
}

// NewClearCommand resets a buffer's count and contents.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear NAME",
		Short: "Discard every record in a buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Clear()
		},
	}
}
