package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tagring/debug"
	"tagring/query"
)

// QueryOptions holds the flags shared by the analysis commands.
type QueryOptions struct {
	*RootOptions
	ReadTime float64
	Channels []int
	Window   float64
	Delays   []float64
}

func (o *QueryOptions) coincidenceQuery() (query.CoincidenceQuery, error) {
	chans, err := channelList("channels", o.Channels)
	if err != nil {
		return query.CoincidenceQuery{}, err
	}
	return query.CoincidenceQuery{
		ReadTime: o.ReadTime,
		Window:   o.Window,
		Channels: chans,
		Delays:   o.Delays,
	}, nil
}

func (o *QueryOptions) coincidenceFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&o.ReadTime, "read-time", 1, "seconds back from the newest record (<= 0 for everything)")
	cmd.Flags().IntSliceVar(&o.Channels, "channels", nil, "channel per slot, repeats allowed")
	cmd.Flags().Float64Var(&o.Window, "window", 1e-9, "coincidence window in seconds")
	cmd.Flags().Float64SliceVar(&o.Delays, "delays", nil, "per-slot delays in seconds")
}

///////////////////////////////////////////////////////////////////////////////
// singles
///////////////////////////////////////////////////////////////////////////////

// NewSinglesCommand counts events per channel.
func NewSinglesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "singles NAME",
		Short: "Count events per channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := query.New(s).Singles(opts.ReadTime)
			if err != nil {
				return err
			}

			j, run, err := opts.openJournal(cmd.Context(), "singles", args[0])
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
				if err := j.RecordSingles(cmd.Context(), run, opts.ReadTime, res); err != nil {
					debug.DropError("journal", err)
				}
			}

			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CHANNEL\tCOUNT")
				for ch, n := range res.PerChannel {
					fmt.Fprintf(tw, "%d\t%d\n", ch, n)
				}
				fmt.Fprintf(tw, "total\t%d\n", res.Total)
				tw.Flush()
			})
		},
	}
	cmd.Flags().Float64Var(&opts.ReadTime, "read-time", 1, "seconds back from the newest record (<= 0 for everything)")
	return cmd
}

///////////////////////////////////////////////////////////////////////////////
// timetrace
///////////////////////////////////////////////////////////////////////////////

// NewTimetraceCommand bins event counts over time.
func NewTimetraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	var binSize float64
	cmd := &cobra.Command{
		Use:   "timetrace NAME",
		Short: "Count events on the given channels per time bin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chans, err := channelList("channels", opts.Channels)
			if err != nil {
				return err
			}
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			trace, err := query.New(s).Timetrace(chans, opts.ReadTime, binSize)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), trace, func(w io.Writer) {
				for k, n := range trace {
					fmt.Fprintf(w, "%.9g\t%d\n", float64(k)*binSize, n)
				}
			})
		},
	}
	cmd.Flags().Float64Var(&opts.ReadTime, "read-time", 1, "seconds back from the newest record")
	cmd.Flags().IntSliceVar(&opts.Channels, "channels", nil, "channels to count")
	cmd.Flags().Float64Var(&binSize, "bin-size", 0.01, "bin width in seconds")
	return cmd
}

///////////////////////////////////////////////////////////////////////////////
// coincidences
///////////////////////////////////////////////////////////////////////////////

// NewCoincidencesCommand counts or collects coincidence groups.
func NewCoincidencesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	var collect bool
	cmd := &cobra.Command{
		Use:   "coincidences NAME",
		Short: "Count multi-channel coincidences",
		Long: `Count groups with one event per requested slot whose (delayed) times
span at most --window seconds.

Examples:
  tagring coincidences detector --channels 1,2 --window 1e-9 --read-time 2
  tagring coincidences detector --channels 1,2,3 --delays 0,2.5e-9,0 --collect`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.coincidenceQuery()
			if err != nil {
				return err
			}
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			eng := query.New(s)

			var count uint64
			var groups query.Coincidences
			if collect {
				groups, err = eng.CoincidenceCollect(q)
				count = groups.Count
			} else {
				count, err = eng.CoincidenceCount(q)
			}
			if err != nil {
				return err
			}

			j, run, err := opts.openJournal(cmd.Context(), "coincidences", args[0])
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
				if err := j.RecordCoincidences(cmd.Context(), run, q, count); err != nil {
					debug.DropError("journal", err)
				}
			}

			var data any = map[string]uint64{"count": count}
			if collect {
				data = groups
			}
			return opts.emit(cmd.OutOrStdout(), data, func(w io.Writer) {
				fmt.Fprintf(w, "coincidences\t%d\n", count)
				if !collect {
					return
				}
				n := len(q.Channels)
				for g := 0; g < int(groups.Count); g++ {
					for k := 0; k < n; k++ {
						rec := groups.Records.At(g*n + k)
						fmt.Fprintf(w, "%d:%d@%.12g ", g, rec.Channel, s.Base().TimeOf(rec))
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
	opts.coincidenceFlags(cmd)
	cmd.Flags().BoolVar(&collect, "collect", false, "print every group")
	return cmd
}

///////////////////////////////////////////////////////////////////////////////
// histogram
///////////////////////////////////////////////////////////////////////////////

// NewHistogramCommand builds a joint signal/idler delay histogram.
func NewHistogramCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	var (
		signal, idler, clock int
		radius               float64
		binWidth             int
		centre               bool
	)
	cmd := &cobra.Command{
		Use:   "histogram NAME",
		Short: "Joint signal/idler delay histogram",
		Long: `Bin each coincidence by the signal and idler arrival relative to the
reference: the --clock channel for standard buffers, the record's own clock
edge for clocked buffers.

Examples:
  tagring histogram detector --clock 0 --signal 1 --idler 2 --radius 5e-9
  tagring histogram pulsed --signal 1 --idler 2 --radius 5e-9 --bin-width 4 --centre`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cq, err := opts.coincidenceQuery()
			if err != nil {
				return err
			}
			sig, err := channelArg("signal", signal)
			if err != nil {
				return err
			}
			idl, err := channelArg("idler", idler)
			if err != nil {
				return err
			}
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			h, err := query.New(s).JointHistogram(query.HistogramQuery{
				CoincidenceQuery: cq,
				Signal:           sig,
				Idler:            idl,
				Clock:            clock,
				Radius:           radius,
				BinWidth:         binWidth,
				Centre:           centre,
			})
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), h, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "coincidences\t%d\n", h.Coincidences)
				fmt.Fprintf(tw, "in range\t%d\n", h.Total())
				fmt.Fprintf(tw, "side\t%d bins\n", h.TemporalWindow)
				fmt.Fprintf(tw, "central bin\t%d\n", h.CentralBin)
				fmt.Fprintf(tw, "bin size\t%d x %d\n", h.BinSize[0], h.BinSize[1])
				if centre {
					fmt.Fprintf(tw, "shift\t%d, %d\n", h.Shift[0], h.Shift[1])
				}
				tw.Flush()
			})
		},
	}
	opts.coincidenceFlags(cmd)
	cmd.Flags().IntVar(&signal, "signal", 1, "signal channel")
	cmd.Flags().IntVar(&idler, "idler", 2, "idler channel")
	cmd.Flags().IntVar(&clock, "clock", query.NoClock, "reference channel (standard buffers)")
	cmd.Flags().Float64Var(&radius, "radius", 5e-9, "histogram half-width in seconds")
	cmd.Flags().IntVar(&binWidth, "bin-width", 1, "rebin factor")
	cmd.Flags().BoolVar(&centre, "centre", false, "roll the marginals onto the central bin")
	return cmd
}

///////////////////////////////////////////////////////////////////////////////
// delay
///////////////////////////////////////////////////////////////////////////////

// NewDelayCommand estimates the relative delay of two channels.
func NewDelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	var (
		a, b       int
		resolution float64
	)
	cmd := &cobra.Command{
		Use:   "delay NAME",
		Short: "Estimate the delay of channel B relative to channel A",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := channelArg("a", a)
			if err != nil {
				return err
			}
			cb, err := channelArg("b", b)
			if err != nil {
				return err
			}
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			q := query.DelayQuery{A: ca, B: cb, ReadTime: opts.ReadTime, Resolution: resolution, Window: opts.Window}
			res, err := query.New(s).FindDelay(q)
			if err != nil {
				return err
			}

			j, run, err := opts.openJournal(cmd.Context(), "delay", args[0])
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
				if err := j.RecordDelay(cmd.Context(), run, q, res); err != nil {
					debug.DropError("journal", err)
				}
			}

			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "central delay\t%.6g s\n", res.CentralDelay)
				fmt.Fprintf(tw, "t0\t%.6g s\n", res.T0)
				fmt.Fprintf(tw, "tau1\t%.6g s\n", res.Tau1)
				fmt.Fprintf(tw, "tau2\t%.6g s\n", res.Tau2)
				fmt.Fprintf(tw, "peak\t%.6g\n", res.MaxIntensity)
				fmt.Fprintf(tw, "window\t%.6g s\n", res.Window)
				tw.Flush()
			})
		},
	}
	cmd.Flags().Float64Var(&opts.ReadTime, "read-time", 1, "seconds back from the newest record")
	cmd.Flags().Float64Var(&opts.Window, "window", 0, "correlation window in seconds (0 = 2/rate²)")
	cmd.Flags().IntVar(&a, "a", 1, "reference channel")
	cmd.Flags().IntVar(&b, "b", 2, "delayed channel")
	cmd.Flags().Float64Var(&resolution, "resolution", 1e-9, "histogram bin width in seconds")
	return cmd
}
