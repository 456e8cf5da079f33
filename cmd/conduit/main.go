// Command conduit validates, runs and traces event-driven pipelines.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/conduit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
