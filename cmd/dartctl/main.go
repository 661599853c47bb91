package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/3leaps/dartctl/internal/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		var ece *cmd.ExitCodeError
		if errors.As(err, &ece) {
			os.Exit(ece.Code)
		}
		os.Exit(1)
	}
}
