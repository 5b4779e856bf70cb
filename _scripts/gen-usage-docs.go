//go:build ignore
// +build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra/doc"

	"github.com/binscan/binscan/cmd/binscan/cmds"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New(true)
	root.DisableAutoGenTag = true
	if err := doc.GenMarkdownTree(root, usageDir); err != nil {
		log.Fatal(err)
	}

	// GenMarkdownTree skips help topics without a Run function.
	fh, err := os.OpenFile(filepath.Join(usageDir, "binscan.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to binscan.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [binscan log](binscan_log.md)\t - Help about logging flags")
}
