// Package main is the entry point for the fsd CLI.
package main

import (
	"os"

	"github.com/randalmurphal/fsd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
