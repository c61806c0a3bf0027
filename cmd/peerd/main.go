// Command peerd is the storage peer's boot entrypoint: a single "serve"
// subcommand that loads configuration, builds the node's identity and
// collaborators, and runs until signaled to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "peerd", Short: "shard storage peer daemon"}
	root.AddCommand(newServeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
