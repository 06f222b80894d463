// Command cerberus runs the telemetry ingest service and its offline tools.
package main

import (
	"fmt"
	"os"

	"github.com/cerberus-iot/cerberus/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cmd := cli.NewRootCommand(fmt.Sprintf("%s (commit: %s)", version, commit))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
