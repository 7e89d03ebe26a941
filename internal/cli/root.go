package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command of the meshbus CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "meshbus",
		Short: "meshbus - non-blocking mesh socket bus",
		Long:  "Runs a mesh node that accepts peers, dials configured peers and routes framed messages between them.",
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPortCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}
