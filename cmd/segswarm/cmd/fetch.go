package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/segswarm/internal/engine"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <playlist-url>",
	Short: "Download the main track of a playlist through the engine",
	Long: `Load every segment of the main track in order, the way a player would,
and report where each one came from.

Peers are used when p2p.announce_endpoints is configured. The node only
dials out; it never accepts inbound peers.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringP("output", "o", "", "write the concatenated segments to this file")
	fetchCmd.Flags().Int("limit", 0, "stop after this many segments (0 loads all)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	outPath, _ := cmd.Flags().GetString("output")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, false, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	streams, err := n.open(ctx, args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	main := mainStream(streams)
	if main == nil {
		return fmt.Errorf("%s has no main track", args[0])
	}

	var out io.Writer = io.Discard
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	segments := main.Segments()
	if limit > 0 && limit < len(segments) {
		segments = segments[:limit]
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tSTART\tSOURCE\tSIZE\tTIME")

	started := time.Now()
	var total int64
	for _, seg := range segments {
		n.engine.SetPlayback(seg.StartTime, 1)
		before := n.engine.Stats()
		t0 := time.Now()
		data, err := n.engine.Load(ctx, main.ID, seg.LocalID)
		if err != nil {
			_ = w.Flush()
			return fmt.Errorf("loading segment %d: %w", seg.ExternalID, err)
		}
		source := loadSource(before, n.engine.Stats())
		if _, err := out.Write(data); err != nil {
			_ = w.Flush()
			return fmt.Errorf("writing segment %d: %w", seg.ExternalID, err)
		}
		total += int64(len(data))
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			seg.ExternalID,
			seg.StartTime.Round(time.Millisecond),
			source,
			humanize.IBytes(uint64(len(data))),
			time.Since(t0).Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	stats := n.engine.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d segments, %s in %s (http %s, p2p %s)\n",
		len(segments),
		humanize.IBytes(uint64(total)),
		time.Since(started).Round(time.Millisecond),
		humanize.IBytes(uint64(stats.Bytes[engine.SourceHTTP])),
		humanize.IBytes(uint64(stats.Bytes[engine.SourceP2P])))
	return nil
}

// loadSource names the source whose load count grew between two
// snapshots.
func loadSource(before, after engine.Stats) engine.Source {
	for _, source := range []engine.Source{engine.SourceP2P, engine.SourceHTTP, engine.SourceStorage} {
		if after.Loads[source] > before.Loads[source] {
			return source
		}
	}
	return engine.SourceStorage
}
