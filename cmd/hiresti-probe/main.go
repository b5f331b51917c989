// ABOUTME: One-shot PipeWire clock probe for field diagnosis
// ABOUTME: Reads the clock metadata, optionally pins a rate, verifies it and releases it again
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hiresti/hiresti-audio/internal/logging"
	"github.com/hiresti/hiresti-audio/internal/pwclock"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

type probeOptions struct {
	rate     int
	hold     time.Duration
	logLevel string
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:          "hiresti-probe",
		Short:        "Probe the PipeWire clock: read, force, verify, release",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closer, err := logging.Setup(logging.Options{Level: opts.logLevel, Console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run := syscmd.Exec{}
			coord := pwclock.New(log, pwclock.Typed{Run: run}, pwclock.CLI{Run: run})
			return probe(ctx, cmd.OutOrStdout(), coord, run, opts)
		},
	}
	cmd.Flags().IntVar(&opts.rate, "rate", 0, "Force this rate in Hz and verify it (0 = read only)")
	cmd.Flags().DurationVar(&opts.hold, "hold", 2*time.Second, "How long to hold the forced rate before releasing")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level")
	return cmd
}

// probe prints the clock state and, with a rate, the result of pinning it.
// The rate is always released before returning.
func probe(ctx context.Context, w io.Writer, coord *pwclock.Coordinator, run syscmd.Runner, opts probeOptions) error {
	before := coord.Snapshot(ctx, run)
	printSnapshot(w, "before", before)
	if opts.rate <= 0 {
		return nil
	}

	fmt.Fprintf(w, "forcing %s Hz\n", humanize.Comma(int64(opts.rate)))
	start := time.Now()
	pinErr := coord.Prepass(ctx, opts.rate)
	fmt.Fprintf(w, "prepass took %s\n", time.Since(start).Round(time.Millisecond))
	if pinErr != nil {
		fmt.Fprintf(w, "prepass failed: %v\n", pinErr)
	} else {
		printSnapshot(w, "pinned", coord.Snapshot(ctx, run))
		select {
		case <-ctx.Done():
		case <-time.After(opts.hold):
		}
	}

	// release on a fresh context so an interrupt still unpins the graph
	relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Release(relCtx, "probe"); err != nil {
		fmt.Fprintf(w, "release failed: %v\n", err)
		if pinErr == nil {
			return err
		}
	}
	printSnapshot(w, "after", coord.Snapshot(relCtx, run))
	return pinErr
}

func printSnapshot(w io.Writer, label string, s pwclock.Snapshot) {
	latency := "unknown"
	if s.LatencyMs >= 0 {
		latency = fmt.Sprintf("%.1f ms", s.LatencyMs)
	}
	fmt.Fprintf(w, "[%s] force-rate=%d rate=%d quantum=%d latency=%s allowed=%s\n",
		label, s.ForceRate, s.Rate, s.Quantum, latency, s.AllowedRaw)
}

func main() {
	if err := newProbeCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
