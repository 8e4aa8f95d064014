// Package main is the entry point for the siope-etl CLI.
package main

import (
	"fmt"
	"os"

	"siope-etl/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
