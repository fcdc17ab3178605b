package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tagring/control"
	"tagring/debug"
	"tagring/metrics"
	"tagring/ptu"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Name        string
	Capacity    uint64
	Chunk       int
	MetricsAddr string
	Hold        bool
}

// NewIngestCommand streams a PTU file into a new buffer.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Stream a PicoQuant PTU file into a new buffer",
		Long: `Parse a PTU header, create a buffer shaped by it (T2 files give standard
buffers, T3 files clocked ones) and push every record.

With --hold the buffer stays attached after the file is consumed so other
processes can query it; interrupt to detach.

Examples:
  tagring ingest run.ptu --name run --hold
  tagring ingest run.ptu --metrics-addr :9100 --chunk 65536`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd.OutOrStdout(), opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "buffer name (default: file name without extension)")
	cmd.Flags().Uint64Var(&opts.Capacity, "capacity", 0, "ring capacity in records (0 = config default)")
	cmd.Flags().IntVar(&opts.Chunk, "chunk", 0, "words per read call (0 = config default)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides config)")
	cmd.Flags().BoolVar(&opts.Hold, "hold", false, "stay attached after the file is consumed")
	return cmd
}

func runIngest(ctx context.Context, out io.Writer, opts *IngestOptions, path string) error {
	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = opts.cfg.DefaultCapacity
	}
	chunk := opts.Chunk
	if chunk == 0 {
		chunk = opts.cfg.ReadChunk
	}
	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.cfg.MetricsAddr
	}

	sopts, err := opts.storeOptions()
	if err != nil {
		return err
	}
	r, err := ptu.Open(path, name, capacity, sopts)
	if err != nil {
		return err
	}
	defer r.Close()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	if addr != "" {
		g.Go(func() error {
			// Keep serving while the buffer is held.
			sctx, cancel := context.WithCancel(gctx)
			defer cancel()
			go func() {
				select {
				case <-done:
					cancel()
				case <-sctx.Done():
				}
			}()
			return metrics.Serve(sctx, addr)
		})
	}
	g.Go(func() error {
		defer close(done)
		start := time.Now()
		n, err := r.ReadAll(gctx, chunk)
		st := r.Status()
		debug.DropMessage("ingest", "file consumed",
			"buffer", name, "records", n, "words", st.WordsRead,
			"dropped", st.Dropped, "overflows", st.Overflows, "elapsed", time.Since(start),
			"active", control.Active(), "last_batch", control.LastActivity())
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintf(out, "%s: %d records into %q (%s)", filepath.Base(path), n, name, r.RecordType())
		if last := control.LastActivity(); !last.IsZero() {
			fmt.Fprintf(out, ", last batch %s", last.Format(time.TimeOnly))
		}
		fmt.Fprintln(out)
		if opts.Hold && err == nil {
			<-gctx.Done()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if control.Stopping() {
		debug.DropMessage("ingest", "interrupted", "buffer", name)
	}
	return nil
}
