// Package main is the entry point for the segswarm application.
package main

import (
	"os"

	"github.com/jmylchreest/segswarm/cmd/segswarm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
