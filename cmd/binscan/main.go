package main

import (
	"os"

	"github.com/binscan/binscan/cmd/binscan/cmds"
	"github.com/binscan/binscan/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BinscanVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
