// Package main is the entry point for the reconctl CLI.
// reconctl drives batches of reconstruction jobs from a pipeline template
// and a work-item manifest.
package main

import (
	"os"

	"reconbatch/cmd/reconctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
