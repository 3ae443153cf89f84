package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// RootOptions holds global flags
type RootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "memo-indexer",
		Short:         "Index memo_store program accounts into Redis",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "optional YAML config file (environment variables override it)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memo-indexer: %v\n", err)
		os.Exit(1)
	}
}
