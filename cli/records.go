package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tagring/ringstore"
	"tagring/timebase"
)

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Index int64
	At    float64
	Count uint64
}

// recordView is one record as printed by the records command.
type recordView struct {
	Index     uint64  `json:"index"`
	Channel   uint8   `json:"channel"`
	Time      float64 `json:"time"`
	Timestamp uint64  `json:"timestamp,omitempty"`
	Clock     uint64  `json:"clock,omitempty"`
	Delta     uint64  `json:"delta,omitempty"`
}

func viewOf(base timebase.Base, idx uint64, r timebase.Record) recordView {
	return recordView{
		Index:     idx,
		Channel:   r.Channel,
		Time:      base.TimeOf(r),
		Timestamp: r.Timestamp,
		Clock:     r.Clock,
		Delta:     r.Delta,
	}
}

// NewRecordsCommand prints records by logical index or by time.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "records NAME",
		Short: "Print records by index or time",
		Long: `Print stored records.

--index reads one record; negative values count back from the newest.
--at locates the first record at or after a time: negative values are
seconds before the newest record, others seconds after the oldest.
Without either flag the newest --count records are printed.

Examples:
  tagring records detector --index -1
  tagring records detector --at -1e-3 --count 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.connect(args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			views, err := readRecords(cmd, opts, s)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), views, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INDEX\tCHANNEL\tTIME")
				for _, v := range views {
					fmt.Fprintf(tw, "%d\t%d\t%.12g\n", v.Index, v.Channel, v.Time)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Index, "index", 0, "logical index of a single record")
	cmd.Flags().Float64Var(&opts.At, "at", 0, "time locating the first record")
	cmd.Flags().Uint64Var(&opts.Count, "count", 10, "records to print")
	cmd.MarkFlagsMutuallyExclusive("index", "at")
	return cmd
}

func readRecords(cmd *cobra.Command, opts *RecordsOptions, s *ringstore.Store) ([]recordView, error) {
	base := s.Base()
	if cmd.Flags().Changed("index") {
		rec, err := s.Get(opts.Index)
		if err != nil {
			return nil, err
		}
		idx := uint64(opts.Index)
		if opts.Index < 0 {
			idx = uint64(int64(s.Count()) + opts.Index)
		}
		return []recordView{viewOf(base, idx, rec)}, nil
	}

	begin, stop := s.Span()
	start := begin
	if cmd.Flags().Changed("at") {
		start = s.IndexAt(opts.At)
	} else if stop-begin > opts.Count {
		start = stop - opts.Count
	}
	end := min(stop, start+opts.Count)
	recs, err := s.Slice(start, end)
	if err != nil {
		return nil, err
	}
	views := make([]recordView, recs.Len())
	for k := range views {
		views[k] = viewOf(base, start+uint64(k), recs.At(k))
	}
	return views, nil
}
