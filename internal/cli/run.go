package cli

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/internal/meshnode"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node",
		Long: `Run a mesh node from a YAML config file.

The node listens for peers, dials the configured ones, and forwards routed
messages until interrupted. Send SIGUSR1 to dump the in-memory metrics.

Example:
  meshbus run --config ./node.yaml
  meshbus run -c ./node.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the node config (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runNode(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := control.LoadConfig(opts.Config)
	if err != nil {
		return err
	}

	handler := newLogHandler(cfg.Log, opts.Verbose)
	slog.SetDefault(slog.New(handler))

	sink := control.NewMetricsSink(cfg.Metrics)
	dump := metrics.NewInmemSignal(sink, metrics.DefaultSignal, os.Stderr)
	defer dump.Stop()

	node, err := meshnode.New(cfg, meshnode.WithLog(handler), meshnode.WithMetricSink(sink))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if closeErr := node.Close(); closeErr != nil {
			slog.Error("error closing node", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := notifyContext(parentCtx)
	defer stop()

	slog.Info("node starting", "node_id", fmt.Sprintf("%#08x", cfg.NodeID), "peers", len(cfg.Peers))
	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("node failed: %w", err)
	}
	totals := control.CounterTotals(sink)
	args := make([]any, 0, 2*len(totals))
	for _, name := range slices.Sorted(maps.Keys(totals)) {
		args = append(args, name, totals[name])
	}
	slog.Info("node stopped", args...)
	return nil
}

func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newLogHandler(cfg control.LogConfig, verbose bool) slog.Handler {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stderr, hopts)
	}
	return slog.NewTextHandler(os.Stderr, hopts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
