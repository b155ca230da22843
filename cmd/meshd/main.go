// Command meshd runs and inspects a meshsync node.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/meshsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
