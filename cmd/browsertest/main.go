// Package main is the entry point for the browsertest runner.
package main

import (
	"github.com/ethpandaops/browsertest/cmd"
)

func main() {
	cmd.Execute()
}
