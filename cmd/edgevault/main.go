package main

import (
	"os"

	"github.com/plcforge/edgevault/internal/cmd"
)

// Set by the build process using ldflags.
var (
	version   = "unknown"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := cmd.NewRootCmd(version, commit, buildTime).Execute(); err != nil {
		os.Exit(1)
	}
}
