// Command cloudbackupd runs the single-host HTTP file backup server.
package main

import (
	"fmt"
	"os"

	"github.com/cloudbackup/server/cmd/cloudbackupd/commands"
)

// Build-time version information, set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
