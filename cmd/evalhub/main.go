// Package main provides the evalhub CLI for evaluating chess positions
// with a local UCI engine.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
