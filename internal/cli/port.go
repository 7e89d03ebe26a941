package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-bus/bus"
	"github.com/momentics/hioload-bus/control"
)

// NewPortCommand creates the derive-port command.
func NewPortCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "derive-port <port>",
		Short: "Print the first bindable port starting at <port>",
		Long: `Probe up to 20 consecutive ports on 0.0.0.0 and print the first one
that can be bound. Exits with an error when none is free.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil || start == 0 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			port := bus.DerivePort(uint16(start))
			if port == 0 {
				return fmt.Errorf("no free port from %d", start)
			}
			if rootOpts.Verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "probed from %d\n", start)
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <config>",
		Short:         "Check a node config file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ node %#08x: %d peers, prototype %s\n", cfg.NodeID, len(cfg.Peers), cfg.Prototype)
			if rootOpts.Verbose {
				for _, p := range cfg.Peers {
					fmt.Fprintf(cmd.OutOrStdout(), "  peer %#08x %s:%d\n", p.ID, p.IP, p.Port)
				}
			}
			return nil
		},
	}
}
